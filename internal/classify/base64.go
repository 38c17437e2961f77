package classify

import "encoding/base64"

// base64URLOrStdDecode decodes tokens that may use either the standard or
// URL-safe alphabet, with or without padding, mirroring the "forgiving"
// base64 decode the upstream uses for interaction webhook tokens.
func base64URLOrStdDecode(s string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
