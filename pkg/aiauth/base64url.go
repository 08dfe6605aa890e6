package aiauth

import "encoding/base64"

// DecodeBase64URL accepts both padded and unpadded base64url input, which is
// what registered clients actually send in the wild.
func DecodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
