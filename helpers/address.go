package helpers

import "strings"

// SplitEmailAddress splits a full email address into its local part and
// domain. The domain is lowercased; the local part is preserved as-is because
// some providers treat it case-sensitively.
func SplitEmailAddress(email string) (localPart, domain string) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], strings.ToLower(email[at+1:])
}

// MaskEmail redacts the local part of an address for log output, keeping the
// first character and the domain ("a****@example.com"). Audit records keep the
// full address; logs do not.
func MaskEmail(email string) string {
	local, domain := SplitEmailAddress(email)
	if domain == "" {
		return "****"
	}
	if len(local) <= 1 {
		return "****@" + domain
	}
	return local[:1] + "****@" + domain
}
