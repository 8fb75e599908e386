package auth

import (
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const totpIssuer = "CatMap"

// newTOTPSecret provisions a fresh secret for email and returns it with
// the otpauth URL an authenticator app enrolls from.
func newTOTPSecret(email string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: email,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

func validTOTP(code, secret string) bool {
	return totp.Validate(code, secret)
}

// otpauthURL rebuilds the enrollment URL for an already stored secret.
func otpauthURL(email, secret string) string {
	return "otpauth://totp/" + totpIssuer + ":" + email + "?secret=" + secret + "&issuer=" + totpIssuer
}

func qrPNG(url string) ([]byte, error) {
	return qrcode.Encode(url, qrcode.Medium, 256)
}
