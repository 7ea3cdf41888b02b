package fingerprint

import "testing"

func TestOfCanonicalizesHostCaseAndDefaultPort(t *testing.T) {
	a, err := Of("https://Host.example.com:443/path?q=1", "abc")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Of("https://host.example.com/path?q=1", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected default-port-stripped URLs to collide: %q != %q", a, b)
	}
}

func TestOfCacheIDPartitionsNamespace(t *testing.T) {
	a, _ := Of("https://host.example.com/v.mp4", "")
	b, _ := Of("https://host.example.com/v.mp4", "user-42")
	if a == b {
		t.Fatal("expected distinct cache-id salts to produce distinct fingerprints")
	}
}

func TestHeadersCaseInsensitiveLookup(t *testing.T) {
	headers := map[string]string{"Custom-Cache-ID": "user-1"}
	a, err := Headers("https://host/x", headers, "custom-cache-id")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Of("https://host/x", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("case-insensitive header lookup mismatch: %q != %q", a, b)
	}
}

func TestPlaylistKeyIgnoresCacheID(t *testing.T) {
	a, _ := PlaylistKey("https://host/master.m3u8")
	b, _ := Of("https://host/master.m3u8", "")
	if a != b {
		t.Fatalf("playlist key should equal unsalted fingerprint: %q != %q", a, b)
	}
}

func TestOfRejectsUnparseableURL(t *testing.T) {
	if _, err := Of("://not-a-url", ""); err == nil {
		t.Fatal("expected error for malformed url")
	}
}
