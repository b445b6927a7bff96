package middleware

import "strings"

// MaskCredential маскирует токен в логах (в prod не светить полный токен).
func MaskCredential(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "***"
}
