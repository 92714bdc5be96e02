// Package domain contains core domain types for the campaigner engine.
package domain

import (
	"fmt"
	"strings"
)

// Target is the fixed contact shape every heterogeneous import row is
// normalized into. Phone is the only required field.
type Target struct {
	Phone     string `json:"phone"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Credit    string `json:"credit"`
	Discount  string `json:"discount"`
	Balance   string `json:"balance"`
	Product   string `json:"product"`
	Message   string `json:"message"`
}

// columnAliases maps accepted import column names (lowercased, trimmed) to
// canonical Target fields. Imports come from several campaign spreadsheets
// with inconsistent headers, including Spanish ones.
var columnAliases = map[string]string{
	"phone":         "phone",
	"telefono":      "phone",
	"teléfono":      "phone",
	"celular":       "phone",
	"number":        "phone",
	"numero":        "phone",
	"name":          "name",
	"nombre":        "name",
	"full_name":     "name",
	"first_name":    "first_name",
	"firstname":     "first_name",
	"primer_nombre": "first_name",
	"last_name":     "last_name",
	"lastname":      "last_name",
	"apellido":      "last_name",
	"credit":        "credit",
	"credito":       "credit",
	"crédito":       "credit",
	"discount":      "discount",
	"descuento":     "discount",
	"balance":       "balance",
	"saldo":         "balance",
	"total_balance": "balance",
	"total_balanc":  "balance",
	"product":       "product",
	"producto":      "product",
	"message":       "message",
	"mensaje":       "message",
}

// TargetFromRecord normalizes one raw import row into a Target. Column names
// are matched case-insensitively against the alias table; unknown columns are
// ignored. Returns an error only when no phone value survives normalization.
func TargetFromRecord(record map[string]string) (Target, error) {
	var t Target
	for col, val := range record {
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		field, ok := columnAliases[strings.ToLower(strings.TrimSpace(col))]
		if !ok {
			continue
		}
		switch field {
		case "phone":
			t.Phone = NormalizePhone(val)
		case "name":
			t.Name = val
		case "first_name":
			t.FirstName = val
		case "last_name":
			t.LastName = val
		case "credit":
			t.Credit = val
		case "discount":
			t.Discount = val
		case "balance":
			t.Balance = val
		case "product":
			t.Product = val
		case "message":
			t.Message = val
		}
	}
	if t.Phone == "" {
		return Target{}, fmt.Errorf("record has no usable phone column")
	}
	if t.Name == "" {
		t.Name = strings.TrimSpace(t.FirstName + " " + t.LastName)
	}
	if t.Name == "" {
		t.Name = t.Phone
	}
	return t, nil
}

// NormalizePhone strips every non-digit rune. The result of normalizing an
// already-normalized number is the number itself.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DisplayName returns the name a rendered conversation would be addressed by.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Phone
}
