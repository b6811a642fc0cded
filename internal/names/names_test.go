package names

import "testing"

func TestSuggestIsDeterministicAndDistinct(t *testing.T) {
	first := Suggest("Ab12", 1)
	if len(first) != SuggestionCount {
		t.Fatalf("expected %d names, got %d", SuggestionCount, len(first))
	}
	seen := make(map[string]bool)
	for _, name := range first {
		if seen[name] {
			t.Fatalf("duplicate suggestion %q", name)
		}
		seen[name] = true
	}
	again := Suggest("Ab12", 1)
	for i := range first {
		if first[i] != again[i] {
			t.Fatalf("suggestions not stable: %v vs %v", first, again)
		}
	}
}

func TestSuggestVariesBySeed(t *testing.T) {
	differs := false
	base := Suggest("Ab12", 1)
	for id := int64(2); id < 10 && !differs; id++ {
		other := Suggest("Ab12", id)
		for i := range base {
			if base[i] != other[i] {
				differs = true
				break
			}
		}
	}
	if !differs {
		t.Fatalf("expected different participants to get different suggestions")
	}
}

func TestAllowed(t *testing.T) {
	names := Suggest("Zz99", 7)
	if !Allowed("Zz99", 7, names[2]) {
		t.Fatalf("suggested name must be allowed")
	}
	if Allowed("Zz99", 7, "NotARealName") {
		t.Fatalf("unknown name must not be allowed")
	}
}
