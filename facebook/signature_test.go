package facebook

import (
	"crypto/md5"
	"encoding/hex"
	"testing"
)

func TestVerify_HMAC(t *testing.T) {
	payload := []byte("eyJhIjoiYiJ9")
	sig := signHMAC(payload, "secret")

	if !Verify(AlgorithmHMACSHA256, payload, sig, "secret") {
		t.Fatalf("valid signature rejected")
	}
	if Verify(AlgorithmHMACSHA256, payload, sig, "other") {
		t.Fatalf("signature accepted under wrong secret")
	}
	if Verify("HMAC-SHA1", payload, sig, "secret") {
		t.Fatalf("unknown algorithm accepted")
	}
	if Verify(AlgorithmHMACSHA256, payload, sig[:len(sig)-1], "secret") {
		t.Fatalf("truncated signature accepted")
	}
}

func TestVerify_SingleBitMutations(t *testing.T) {
	payload := []byte("payload-bytes")
	sig := signHMAC(payload, "k")

	for i := range payload {
		for bit := 0; bit < 8; bit++ {
			p := append([]byte(nil), payload...)
			p[i] ^= 1 << bit
			if Verify(AlgorithmHMACSHA256, p, sig, "k") {
				t.Fatalf("payload mutation at byte %d bit %d accepted", i, bit)
			}
		}
	}
	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			s := append([]byte(nil), sig...)
			s[i] ^= 1 << bit
			if Verify(AlgorithmHMACSHA256, payload, s, "k") {
				t.Fatalf("signature mutation at byte %d bit %d accepted", i, bit)
			}
		}
	}
}

func TestVerify_Legacy(t *testing.T) {
	sum := md5.Sum([]byte("feed=mebread"))
	sig := hex.EncodeToString(sum[:])
	if sig != "20393e7823730308938a86ecf1c88b14" {
		t.Fatalf("reference digest: got %q", sig)
	}
	if !Verify(AlgorithmLegacyMD5, []byte("feed=me"), []byte(sig), "bread") {
		t.Fatalf("valid legacy signature rejected")
	}
	if Verify(AlgorithmLegacyMD5, []byte("feed=me"), []byte(sig[:16]), "bread") {
		t.Fatalf("prefix accepted")
	}
}

func TestVerify_EmptySecretNeverVerifies(t *testing.T) {
	payload := []byte("feed=me")
	if Verify(AlgorithmHMACSHA256, payload, signHMAC(payload, ""), "") {
		t.Fatalf("HMAC under empty secret accepted")
	}
	if Verify(AlgorithmLegacyMD5, payload, []byte(legacyDigest(payload, "")), "") {
		t.Fatalf("legacy digest under empty secret accepted")
	}
}

func TestLegacySignature_ReferenceValue(t *testing.T) {
	sum := md5.Sum([]byte("access_token=fakes"))
	want := hex.EncodeToString(sum[:])
	if got := legacySignature(Session{"access_token": "fake"}, "s"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
