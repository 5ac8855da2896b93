package registry

import "testing"

func TestValidateKnownAction(t *testing.T) {
	r := Default()
	e, err := r.Validate("read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.RequiresGovernance {
		t.Fatalf("expected RequiresGovernance forced true")
	}
	if e.RiskClass != RiskLow {
		t.Fatalf("got risk class %s, want LOW", e.RiskClass)
	}
}

func TestValidateUnknownAction(t *testing.T) {
	r := Default()
	_, err := r.Validate("teleport")
	if err == nil {
		t.Fatalf("expected UnregisteredActionError, got nil")
	}
	if _, ok := err.(*UnregisteredActionError); !ok {
		t.Fatalf("expected *UnregisteredActionError, got %T", err)
	}
}

func TestAllIsACopy(t *testing.T) {
	r := Default()
	all := r.All()
	if len(all) != r.Len() {
		t.Fatalf("All() length %d != Len() %d", len(all), r.Len())
	}
	all[0].Description = "mutated"
	e, _ := r.Validate(all[0].ID)
	if e.Description == "mutated" {
		t.Fatalf("mutating All() result leaked into registry")
	}
}
