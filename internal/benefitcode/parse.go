// Package benefitcode разбирает коды бенефитов, полученные из QR-сканера.
package benefitcode

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
)

// Code содержит идентификаторы, извлечённые из кода бенефита.
type Code struct {
	MerchantID string `json:"merchant_id"`
	BenefitID  string `json:"benefit_id,omitempty"`
}

const (
	// Prefix — префикс собственной схемы кода: PREFIX:merchantID:benefitID.
	Prefix = "BNF"

	bareIDMinLen = 10
	bareIDMaxLen = 50

	maxBase64Depth = 3
)

// Parse разбирает сырой код бенефита. Поддерживаемые формы в порядке приоритета:
// URL валидации с параметрами запроса, JSON-объект, base64 (рекурсивно),
// голый буквенно-цифровой идентификатор коммерсанта, собственная схема с префиксом.
// Возвращает nil, если ни одна форма не подошла.
func Parse(raw string) *Code {
	return parse(strings.TrimSpace(raw), 0)
}

func parse(raw string, depth int) *Code {
	if raw == "" {
		return nil
	}

	if c := parseURL(raw); c != nil {
		return c
	}
	if c := parseJSON(raw); c != nil {
		return c
	}
	if depth < maxBase64Depth {
		if c := parseBase64(raw, depth); c != nil {
			return c
		}
	}
	if c := parseBareID(raw); c != nil {
		return c
	}
	if c := parsePrefixed(raw); c != nil {
		return c
	}

	return nil
}

// parseURL распознаёт URL вида
// https://host/validar-beneficio?comercio=M&beneficio=B и короткую форму /validar?c=M&b=B.
func parseURL(raw string) *Code {
	if !strings.Contains(raw, "validar-beneficio") && !strings.Contains(raw, "/validar") {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	q := u.Query()
	merchant := q.Get("comercio")
	if merchant == "" {
		merchant = q.Get("c")
	}
	if merchant == "" {
		return nil
	}

	benefit := q.Get("beneficio")
	if benefit == "" {
		benefit = q.Get("b")
	}

	return &Code{MerchantID: merchant, BenefitID: benefit}
}

func parseJSON(raw string) *Code {
	if !strings.HasPrefix(raw, "{") {
		return nil
	}

	var payload struct {
		ComercioID  string `json:"comercioId"`
		C           string `json:"c"`
		BeneficioID string `json:"beneficioId"`
		B           string `json:"b"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}

	merchant := payload.ComercioID
	if merchant == "" {
		merchant = payload.C
	}
	if merchant == "" {
		return nil
	}

	benefit := payload.BeneficioID
	if benefit == "" {
		benefit = payload.B
	}

	return &Code{MerchantID: merchant, BenefitID: benefit}
}

// parseBase64 декодирует строку и повторно пропускает результат через разбор.
func parseBase64(raw string, depth int) *Code {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	inner := strings.TrimSpace(string(decoded))
	if inner == "" || inner == raw {
		return nil
	}
	return parse(inner, depth+1)
}

func parsePrefixed(raw string) *Code {
	if !strings.HasPrefix(raw, Prefix+":") {
		return nil
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return nil
	}

	return &Code{MerchantID: parts[1], BenefitID: parts[2]}
}

// parseBareID трактует буквенно-цифровую строку длиной от 10 до 50 символов
// как идентификатор коммерсанта.
func parseBareID(raw string) *Code {
	if len(raw) < bareIDMinLen || len(raw) > bareIDMaxLen {
		return nil
	}

	for _, r := range raw {
		isDigit := r >= '0' && r <= '9'
		isLower := r >= 'a' && r <= 'z'
		isUpper := r >= 'A' && r <= 'Z'
		if !isDigit && !isLower && !isUpper && r != '-' && r != '_' {
			return nil
		}
	}

	return &Code{MerchantID: raw}
}
