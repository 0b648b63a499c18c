package buildroot

import "testing"

func TestConfig_CapabilitiesIncludesDefaults(t *testing.T) {
	cfg := &Config{}
	caps := cfg.capabilities()
	if len(caps) != len(DefaultCapabilities) {
		t.Fatalf("len(caps) = %d, want %d", len(caps), len(DefaultCapabilities))
	}
	want := make(map[string]bool, len(DefaultCapabilities))
	for _, c := range DefaultCapabilities {
		want[c] = true
	}
	for _, c := range caps {
		if !want[c] {
			t.Errorf("unexpected capability %q with no extras declared", c)
		}
	}
}

func TestConfig_CapabilitiesAddsExtrasWithoutDuplicating(t *testing.T) {
	cfg := &Config{ExtraCapabilities: []string{"CAP_SYS_ADMIN", "CAP_NET_ADMIN"}}
	caps := cfg.capabilities()

	count := 0
	hasNetAdmin := false
	for _, c := range caps {
		if c == "CAP_SYS_ADMIN" {
			count++
		}
		if c == "CAP_NET_ADMIN" {
			hasNetAdmin = true
		}
	}
	if count != 1 {
		t.Errorf("CAP_SYS_ADMIN appears %d times, want exactly 1 (already in default set)", count)
	}
	if !hasNetAdmin {
		t.Error("CAP_NET_ADMIN extra capability missing from result")
	}
	if len(caps) != len(DefaultCapabilities)+1 {
		t.Errorf("len(caps) = %d, want %d", len(caps), len(DefaultCapabilities)+1)
	}
}

func TestBuildMounts_FixedMountsPresentInOrder(t *testing.T) {
	cfg := &Config{}
	mounts := buildMounts(cfg)

	wantOrder := []string{"dev", "dev/shm", "run", "tmp", "var", "sys"}
	if len(mounts) < len(wantOrder) {
		t.Fatalf("len(mounts) = %d, want at least %d", len(mounts), len(wantOrder))
	}
	for i, dest := range wantOrder {
		if mounts[i].Destination != dest {
			t.Errorf("mounts[%d].Destination = %q, want %q", i, mounts[i].Destination, dest)
		}
	}
}

func TestBuildMounts_LibDirsOrderedAfterFixedMounts(t *testing.T) {
	cfg := &Config{LibDirs: []string{"/usr/lib/osbuild", "/usr/lib/osbuild-extra"}}
	mounts := buildMounts(cfg)

	var libMounts []string
	for _, m := range mounts {
		if len(m.Destination) > len(LibMountBase) && m.Destination[:len(LibMountBase)] == LibMountBase {
			libMounts = append(libMounts, m.Source)
		}
	}
	if len(libMounts) != 2 || libMounts[0] != "/usr/lib/osbuild" || libMounts[1] != "/usr/lib/osbuild-extra" {
		t.Errorf("libMounts = %v, want ordered lib dirs", libMounts)
	}
}

func TestBuildMounts_ServiceSocketsSortedByName(t *testing.T) {
	cfg := &Config{ServiceSockets: map[string]string{
		"store":     "/run/store.sock",
		"remoteloop": "/run/loop.sock",
		"device":    "/run/device.sock",
	}}
	mounts := buildMounts(cfg)

	var names []string
	prefix := APIMountBase + "/"
	for _, m := range mounts {
		if len(m.Destination) > len(prefix) && m.Destination[:len(prefix)] == prefix {
			names = append(names, m.Destination[len(prefix):])
		}
	}
	want := []string{"device", "remoteloop", "store"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestIsReexecInit(t *testing.T) {
	if IsReexecInit([]string{"osbuild"}) {
		t.Error("IsReexecInit should be false with no subcommand")
	}
	if IsReexecInit([]string{"osbuild", "build"}) {
		t.Error("IsReexecInit should be false for a normal subcommand")
	}
	if !IsReexecInit([]string{"osbuild", reexecSentinel}) {
		t.Error("IsReexecInit should be true for the sentinel arg")
	}
}
