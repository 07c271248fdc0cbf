package log

import "testing"

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DirectionIn.String(), "IN"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerDiscovery.String(), "DISCOVERY"},
		{LayerInstall.String(), "INSTALL"},
		{Layer(9).String(), "UNKNOWN"},
		{CategoryDecision.String(), "DECISION"},
		{CategoryProgress.String(), "PROGRESS"},
		{RoleController.String(), "CONTROLLER"},
		{MessageTypeNotification.String(), "NOTIFICATION"},
		{StateEntityDevice.String(), "DEVICE"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseLayerAndCategory(t *testing.T) {
	for l := LayerTransport; l <= LayerInstall; l++ {
		got, ok := ParseLayer(l.String())
		if !ok || got != l {
			t.Errorf("ParseLayer(%q) = %v, %v", l.String(), got, ok)
		}
	}
	if _, ok := ParseLayer("WIRE"); ok {
		t.Error("ParseLayer(WIRE) should fail")
	}

	c, ok := ParseCategory("ERROR")
	if !ok || c != CategoryError {
		t.Errorf("ParseCategory(ERROR) = %v, %v", c, ok)
	}
	if _, ok := ParseCategory("nope"); ok {
		t.Error("ParseCategory(nope) should fail")
	}
}
