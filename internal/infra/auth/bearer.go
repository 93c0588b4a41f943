package auth

import "strings"

// ExtractBearerToken разбирает заголовок строго вида "Bearer <token>".
// Любая другая форма (другая схема, лишние сегменты, пустой токен) отклоняется.
func ExtractBearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
