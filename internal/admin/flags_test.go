package admin

import "testing"

func TestFlagsDefaultEnabled(t *testing.T) {
	f := New([][2]string{{"orders", "get_order"}})
	if !f.Enabled("orders", "get_order") {
		t.Fatal("expected default enabled")
	}
}

func TestFlagsUnknownPairReportsEnabled(t *testing.T) {
	f := New(nil)
	if !f.Enabled("orders", "get_order") {
		t.Fatal("unknown pair should report enabled")
	}
}

func TestFlagsSetTogglesKnownPair(t *testing.T) {
	f := New([][2]string{{"orders", "get_order"}})
	if !f.Set("orders", "get_order", false) {
		t.Fatal("expected known pair to be set")
	}
	if f.Enabled("orders", "get_order") {
		t.Fatal("expected disabled after Set(false)")
	}
}

func TestFlagsSetUnknownPairFails(t *testing.T) {
	f := New(nil)
	if f.Set("orders", "get_order", false) {
		t.Fatal("expected unknown pair Set to fail")
	}
}

func TestFlagsAllSortedByServiceThenAPI(t *testing.T) {
	f := New([][2]string{{"orders", "b"}, {"orders", "a"}, {"billing", "z"}})
	all := f.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Service != "billing" || all[1].API != "a" || all[2].API != "b" {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestFlagsRegisterAddsMissingEntry(t *testing.T) {
	f := New(nil)
	f.Register("orders", "get_order")
	enabled, ok := f.Get("orders", "get_order")
	if !ok || !enabled {
		t.Fatalf("expected registered pair to be enabled, got ok=%v enabled=%v", ok, enabled)
	}
}
