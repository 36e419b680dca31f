package pbft

import "testing"

func TestFaultBound(t *testing.T) {
	cases := []struct {
		numPeers int
		want     uint64
	}{
		{0, 0},
		{1, 0},
		{2, 0},
		{3, 0},
		{4, 1},
		{6, 1},
		{7, 2},
		{10, 3},
	}
	for _, c := range cases {
		if got := faultBound(c.numPeers); got != c.want {
			t.Errorf("faultBound(%d) = %d, want %d", c.numPeers, got, c.want)
		}
	}
}

func TestLoadPeersFromSettings(t *testing.T) {
	p1, _ := PeerIDFromHex("aa")
	p2, _ := PeerIDFromHex("bb")
	settings := map[string]string{peersSettingsKey: `["aa","bb"]`}

	peers, err := LoadPeersFromSettings(settings)
	if err != nil {
		t.Fatalf("LoadPeersFromSettings: %v", err)
	}
	if len(peers) != 2 || peers[0] != p1 || peers[1] != p2 {
		t.Errorf("peers = %v, want [%v %v]", peers, p1, p2)
	}
}

func TestLoadPeersFromSettingsMissingKey(t *testing.T) {
	if _, err := LoadPeersFromSettings(map[string]string{}); err == nil {
		t.Error("expected error for missing peers setting")
	}
}

func TestLoadPeersFromSettingsBadJSON(t *testing.T) {
	settings := map[string]string{peersSettingsKey: `not json`}
	if _, err := LoadPeersFromSettings(settings); err == nil {
		t.Error("expected error for malformed peers setting")
	}
}

func TestDefaultPbftConfig(t *testing.T) {
	cfg := DefaultPbftConfig()
	if cfg.FaultyPrimaryTimeout <= 0 {
		t.Error("default FaultyPrimaryTimeout should be positive")
	}
	if cfg.ForcedViewChangePeriod == 0 {
		t.Error("default ForcedViewChangePeriod should enable rotation")
	}
}
