package domain

import "testing"

func TestNormalizePhoneIdempotent(t *testing.T) {
	cases := []string{"+52 1 55 1234 5678", "(555) 010-9999", "5215512345678", "tel:55-99"}
	for _, raw := range cases {
		once := NormalizePhone(raw)
		twice := NormalizePhone(once)
		if once != twice {
			t.Errorf("NormalizePhone not idempotent for %q: %q != %q", raw, once, twice)
		}
	}
	if got := NormalizePhone("+52 1 55 1234 5678"); got != "5215512345678" {
		t.Errorf("expected digits only, got %q", got)
	}
}

func TestTargetFromRecordAliases(t *testing.T) {
	rec := map[string]string{
		"Telefono":     "+52 (155) 1234-5678",
		"Nombre":       "",
		"primer_nombre": "Ana",
		"Apellido":     "Lopez",
		"SALDO":        "1200.50",
		"producto":     "consolidado",
		"ignored_col":  "x",
	}
	target, err := TargetFromRecord(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Phone != "5215512345678" {
		t.Errorf("phone = %q", target.Phone)
	}
	if target.Name != "Ana Lopez" {
		t.Errorf("name should default to first+last, got %q", target.Name)
	}
	if target.Balance != "1200.50" || target.Product != "consolidado" {
		t.Errorf("unexpected field mapping: %+v", target)
	}
}

func TestTargetFromRecordNameFallsBackToPhone(t *testing.T) {
	target, err := TargetFromRecord(map[string]string{"phone": "5551112222"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Name != "5551112222" {
		t.Errorf("name should fall back to phone, got %q", target.Name)
	}
}

func TestTargetFromRecordRequiresPhone(t *testing.T) {
	if _, err := TargetFromRecord(map[string]string{"nombre": "Ana"}); err == nil {
		t.Fatal("expected error for record without phone")
	}
}
