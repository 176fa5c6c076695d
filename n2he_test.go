package sfup

import "testing"

func testParams(t *testing.T) (Params, *CSPRNG) {
	t.Helper()
	p, err := ParamsFor(Security128)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return p, NewCSPRNG([]byte("deterministic-test-seed-000001!"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p, csprng := testParams(t)
	skStream := csprng.Substream("sk", "key-1")
	sk := p.GenerateSecretKey(skStream)

	for _, m := range []uint32{0, 1, 42, 1000, uint32(p.T - 1)} {
		aStream := csprng.Substream("n2he-A", "key-1", "round-0", "0", "m", toStr(m))
		eStream := csprng.Substream("n2he-noise", "key-1", "round-0", "0", "m", toStr(m))
		c, err := p.Encrypt(sk, aStream, eStream, m)
		if err != nil {
			t.Fatalf("encrypt(%d): %v", m, err)
		}
		got, err := p.Decrypt(sk, c)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != m {
			t.Errorf("round trip mismatch: want %d got %d", m, got)
		}
	}
}

func toStr(u uint32) string {
	return string(rune('0' + u%10))
}

func TestAdditiveHomomorphism(t *testing.T) {
	p, csprng := testParams(t)
	sk := p.GenerateSecretKey(csprng.Substream("sk", "key-2"))

	msgs := []uint32{10, 20, 33}
	var cts []Ciphertext
	for i, m := range msgs {
		aStream := csprng.Substream("n2he-A", "key-2", "round-1", string(rune('a'+i)))
		eStream := csprng.Substream("n2he-noise", "key-2", "round-1", string(rune('a'+i)))
		c, err := p.Encrypt(sk, aStream, eStream, m)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		cts = append(cts, c)
	}

	sum := cts[0]
	var err error
	for _, c := range cts[1:] {
		sum, err = p.Add(sum, c)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := p.Decrypt(sk, sum)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	want := (msgs[0] + msgs[1] + msgs[2]) % uint32(p.T)
	if got != want {
		t.Errorf("sum mismatch: want %d got %d", want, got)
	}
}

func TestAdditionIsOrderIndependent(t *testing.T) {
	p, csprng := testParams(t)
	sk := p.GenerateSecretKey(csprng.Substream("sk", "key-3"))

	var cts []Ciphertext
	for i, m := range []uint32{7, 200, 5000, 1} {
		aStream := csprng.Substream("n2he-A", "key-3", "r", string(rune('a'+i)))
		eStream := csprng.Substream("n2he-noise", "key-3", "r", string(rune('a'+i)))
		c, _ := p.Encrypt(sk, aStream, eStream, m)
		cts = append(cts, c)
	}

	forward, _ := p.Add(cts[0], cts[1])
	forward, _ = p.Add(forward, cts[2])
	forward, _ = p.Add(forward, cts[3])

	backward, _ := p.Add(cts[3], cts[2])
	backward, _ = p.Add(backward, cts[1])
	backward, _ = p.Add(backward, cts[0])

	mf, _ := p.Decrypt(sk, forward)
	mb, _ := p.Decrypt(sk, backward)
	if mf != mb {
		t.Errorf("sum depends on order: forward=%d backward=%d", mf, mb)
	}
}

func TestNoiseBudgetStress(t *testing.T) {
	p, csprng := testParams(t)
	sk := p.GenerateSecretKey(csprng.Substream("sk", "key-4"))

	aStream := csprng.Substream("n2he-A", "key-4", "r", "0")
	eStream := csprng.Substream("n2he-noise", "key-4", "r", "0")
	c, _ := p.Encrypt(sk, aStream, eStream, 1)

	maxAdd := p.MaxAdditions()
	if maxAdd <= 0 {
		t.Fatalf("expected positive max additions, got %d", maxAdd)
	}

	sum := c
	n := 1
	// Repeated addition of the same ciphertext simulates many workers
	// submitting the same message (spec §8 scenario 3).
	steps := 1000
	for i := 0; i < steps; i++ {
		var err error
		sum, err = p.Add(sum, c)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		n++
	}
	if err := p.CheckBudget(n); err != nil {
		if n <= maxAdd {
			t.Fatalf("unexpected budget error at n=%d (max=%d): %v", n, maxAdd, err)
		}
	}

	got, err := p.Decrypt(sk, sum)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	want := uint32(n) % uint32(p.T)
	if n <= maxAdd && got != want {
		t.Errorf("within budget, expected exact decryption: want %d got %d", want, got)
	}
}

func TestInvalidMuRejected(t *testing.T) {
	p, _ := ParamsFor(Security128)
	if _, err := p.WithMu(0.5); err != ErrInvalidSkellamParam {
		t.Errorf("expected ErrInvalidSkellamParam for mu=0.5, got %v", err)
	}
	if _, err := p.WithMu(20); err != ErrInvalidSkellamParam {
		t.Errorf("expected ErrInvalidSkellamParam for mu=20, got %v", err)
	}
	if _, err := p.WithMu(3.19); err != nil {
		t.Errorf("expected mu=3.19 to be accepted: %v", err)
	}
}

func TestEncryptVectorRoundTrip(t *testing.T) {
	p, csprng := testParams(t)
	sk := p.GenerateSecretKey(csprng.Substream("sk", "key-5"))

	msgs := []uint32{1, 2, 3, 4, 5, 6, 7, 8}
	cts, err := p.EncryptVector(sk, csprng, "key-5", 7, msgs)
	if err != nil {
		t.Fatalf("encrypt vector: %v", err)
	}
	got, err := p.DecryptVector(sk, cts)
	if err != nil {
		t.Fatalf("decrypt vector: %v", err)
	}
	for i := range msgs {
		if got[i] != msgs[i] {
			t.Errorf("slot %d: want %d got %d", i, msgs[i], got[i])
		}
	}
}
