package chain

import (
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testTokenName    = "TestToken"
	testTokenVersion = "1"
	testChainID      = int64(137)
)

var testToken = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

func signedPermit(t *testing.T, deadline int64) (*Permit, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	p := &Permit{
		Owner:    owner,
		Spender:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Value:    big.NewInt(4000000000),
		Nonce:    big.NewInt(0),
		Deadline: big.NewInt(deadline),
	}
	digest, err := p.Digest(testTokenName, testTokenVersion, testToken, testChainID)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// wallets report v as 27/28
	sig[64] += 27
	p.Signature = "0x" + hex.EncodeToString(sig)
	return p, owner
}

func TestPermitValidate(t *testing.T) {
	now := time.Now()
	p, _ := signedPermit(t, now.Add(time.Hour).Unix())

	if err := p.Validate(testTokenName, testTokenVersion, testToken, testChainID, now); err != nil {
		t.Fatalf("valid permit rejected: %v", err)
	}
}

func TestPermitValidateRawRecoveryID(t *testing.T) {
	// some signers emit v as 0/1 instead of 27/28
	now := time.Now()
	p, _ := signedPermit(t, now.Add(time.Hour).Unix())
	sig := common.FromHex(p.Signature)
	sig[64] -= 27
	p.Signature = "0x" + hex.EncodeToString(sig)

	if err := p.Validate(testTokenName, testTokenVersion, testToken, testChainID, now); err != nil {
		t.Fatalf("raw recovery id rejected: %v", err)
	}
}

func TestPermitExpired(t *testing.T) {
	now := time.Now()
	p, _ := signedPermit(t, now.Add(-time.Minute).Unix())

	err := p.Validate(testTokenName, testTokenVersion, testToken, testChainID, now)
	if err == nil {
		t.Fatal("expired permit accepted")
	}
}

func TestPermitWrongSigner(t *testing.T) {
	now := time.Now()
	p, _ := signedPermit(t, now.Add(time.Hour).Unix())
	p.Owner = common.HexToAddress("0x2222222222222222222222222222222222222222")

	err := p.Validate(testTokenName, testTokenVersion, testToken, testChainID, now)
	if err == nil {
		t.Fatal("permit with mismatched owner accepted")
	}
}

func TestPermitTamperedMessage(t *testing.T) {
	now := time.Now()
	p, _ := signedPermit(t, now.Add(time.Hour).Unix())
	p.Value = big.NewInt(9999999999) // signature no longer covers this

	err := p.Validate(testTokenName, testTokenVersion, testToken, testChainID, now)
	if err == nil {
		t.Fatal("tampered permit accepted")
	}
}

func TestParsePermit(t *testing.T) {
	p, owner := signedPermit(t, time.Now().Add(time.Hour).Unix())

	raw := `{"owner":"` + p.Owner.Hex() + `","spender":"` + p.Spender.Hex() + `",` +
		`"value":4000000000,"nonce":0,"deadline":` + p.Deadline.String() + `,` +
		`"signature":"` + p.Signature + `"}`
	got, err := ParsePermit(raw)
	if err != nil {
		t.Fatalf("ParsePermit: %v", err)
	}
	if got.Owner != owner {
		t.Errorf("owner = %s, want %s", got.Owner.Hex(), owner.Hex())
	}
	if got.Value.Cmp(p.Value) != 0 || got.Deadline.Cmp(p.Deadline) != 0 {
		t.Errorf("fields mismatch: %+v", got)
	}

	if _, err := ParsePermit(`{"owner":"0x"}`); err == nil {
		t.Error("permit without value/nonce/deadline accepted")
	}
	if _, err := ParsePermit(`not json`); err == nil {
		t.Error("malformed json accepted")
	}
}
