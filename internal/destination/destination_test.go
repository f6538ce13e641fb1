package destination

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reticulum-go/rns/internal/identity"
	"github.com/stretchr/testify/require"
)

func mustIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Create()
	require.NoError(t, err)
	return id
}

func mustTime(unixSeconds int64) time.Time {
	return time.Unix(unixSeconds, 0)
}

func TestNameRejectsDottedComponent(t *testing.T) {
	_, _, err := Name("example", "a.b")
	require.ErrorIs(t, err, ErrDotInComponent)
}

func TestCreateComputesHashFromNameAndIdentity(t *testing.T) {
	id := mustIdentity(t)
	d, err := Create(id, DirectionIn, TypeSingle, "example_app", "echo")
	require.NoError(t, err)
	idHash := id.Hash()
	require.Equal(t, ComputeHash(TypeSingle, d.NameHash, &idHash), d.Hash)
}

func TestPlainDestinationHashIgnoresIdentity(t *testing.T) {
	d, err := Create(nil, DirectionIn, TypePlain, "example_app", "broadcast")
	require.NoError(t, err)
	require.Equal(t, ComputeHash(TypePlain, d.NameHash, nil), d.Hash)
}

func TestOnlySingleInCanAnnounce(t *testing.T) {
	id := mustIdentity(t)
	in, err := Create(id, DirectionIn, TypeSingle, "example_app", "echo")
	require.NoError(t, err)
	require.True(t, in.CanAnnounce())

	out, err := Create(id, DirectionOut, TypeSingle, "example_app", "echo")
	require.NoError(t, err)
	require.False(t, out.CanAnnounce())

	group, err := Create(id, DirectionIn, TypeGroup, "example_app", "echo")
	require.NoError(t, err)
	require.False(t, group.CanAnnounce())
}

func TestGenerateAnnounceRoundTrip(t *testing.T) {
	id := mustIdentity(t)
	d, err := Create(id, DirectionIn, TypeSingle, "example_app", "echo")
	require.NoError(t, err)

	p, err := d.GenerateAnnounce([]byte("hello"), false, 1_700_000_000)
	require.NoError(t, err)
	require.Equal(t, d.Hash[:], p.Header.DestinationHash[:])
	require.False(t, p.Header.ContextFlag)

	info, err := ValidateAnnounce(p)
	require.NoError(t, err)
	require.Equal(t, d.Hash, info.DestinationHash)
	require.Equal(t, d.NameHash, info.NameHash)
	require.Equal(t, []byte("hello"), info.AppData)
	require.False(t, info.HasRatchet)
	require.Equal(t, int64(1_700_000_000), info.Timestamp)
	require.Equal(t, id.PublicKeyBytes(), info.Identity.PublicKeyBytes())
}

func TestGenerateAnnounceCarriesRatchet(t *testing.T) {
	id := mustIdentity(t)
	d, err := Create(id, DirectionIn, TypeSingle, "example_app", "echo")
	require.NoError(t, err)

	ringPath := filepath.Join(t.TempDir(), "ratchets")
	require.NoError(t, d.EnableRatchets(ringPath, 0, 0))

	p, err := d.GenerateAnnounce(nil, false, 1_700_000_000)
	require.NoError(t, err)
	require.True(t, p.Header.ContextFlag)

	info, err := ValidateAnnounce(p)
	require.NoError(t, err)
	require.True(t, info.HasRatchet)
	wantPub, ok := d.Ratchets.NewestPublic()
	require.True(t, ok)
	require.Equal(t, wantPub, info.RatchetPub)
}

func TestValidateAnnounceRejectsTamperedSignature(t *testing.T) {
	id := mustIdentity(t)
	d, err := Create(id, DirectionIn, TypeSingle, "example_app", "echo")
	require.NoError(t, err)

	p, err := d.GenerateAnnounce([]byte("hi"), false, 1_700_000_000)
	require.NoError(t, err)

	// Flip a bit inside the signature, which on the wire sits
	// immediately before app_data.
	tampered := append([]byte(nil), p.Data...)
	tampered[len(tampered)-len("hi")-1] ^= 0xFF
	p.Data = tampered

	_, err = ValidateAnnounce(p)
	require.ErrorIs(t, err, ErrAnnounceBadSig)
}

func TestValidateAnnounceRejectsDestinationHashMismatch(t *testing.T) {
	id := mustIdentity(t)
	d, err := Create(id, DirectionIn, TypeSingle, "example_app", "echo")
	require.NoError(t, err)

	p, err := d.GenerateAnnounce([]byte("hi"), false, 1_700_000_000)
	require.NoError(t, err)
	p.Header.DestinationHash[0] ^= 0xFF

	_, err = ValidateAnnounce(p)
	require.ErrorIs(t, err, ErrAnnounceHashMismatch)
}

func TestValidateAnnounceRejectsTooShort(t *testing.T) {
	id := mustIdentity(t)
	d, err := Create(id, DirectionIn, TypeSingle, "example_app", "echo")
	require.NoError(t, err)
	p, err := d.GenerateAnnounce(nil, false, 1_700_000_000)
	require.NoError(t, err)
	p.Data = p.Data[:10]

	_, err = ValidateAnnounce(p)
	require.ErrorIs(t, err, ErrAnnounceTooShort)
}

func TestEncryptDecryptThroughRatchet(t *testing.T) {
	id := mustIdentity(t)
	d, err := Create(id, DirectionIn, TypeSingle, "example_app", "echo")
	require.NoError(t, err)
	require.NoError(t, d.EnableRatchets(filepath.Join(t.TempDir(), "ratchets"), 0, 0))
	_, rerr := d.Ratchets.MaybeRotate(1_700_000_000)
	require.NoError(t, rerr)

	ct, err := d.Encrypt([]byte("payload"))
	require.NoError(t, err)

	pt, usedRatchet, ok := d.Decrypt(ct, false)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), pt)
	require.GreaterOrEqual(t, usedRatchet, 0)
}

func TestRatchetRingPersistsAcrossReload(t *testing.T) {
	id := mustIdentity(t)
	path := filepath.Join(t.TempDir(), "ratchets")

	ring, err := LoadRatchetRing(path, id, 0, 0)
	require.NoError(t, err)
	rotated, err := ring.MaybeRotate(1_700_000_000)
	require.NoError(t, err)
	require.True(t, rotated)
	wantPub, ok := ring.NewestPublic()
	require.True(t, ok)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	reloaded, err := LoadRatchetRing(path, id, 0, 0)
	require.NoError(t, err)
	gotPub, ok := reloaded.NewestPublic()
	require.True(t, ok)
	require.Equal(t, wantPub, gotPub)
}

func TestRatchetRingRejectsCorruptFile(t *testing.T) {
	id := mustIdentity(t)
	path := filepath.Join(t.TempDir(), "ratchets")
	require.NoError(t, os.WriteFile(path, []byte("not a valid ratchet file"), 0600))

	_, err := LoadRatchetRing(path, id, 0, 0)
	require.ErrorIs(t, err, ErrRatchetFileCorrupt)
}

func TestPathResponseCacheSuppressesWithinWindow(t *testing.T) {
	c := NewPathResponseCache()
	now := mustTime(1_700_000_000)
	require.False(t, c.ShouldSuppress("tag-a", []byte("r1"), now))
	require.True(t, c.ShouldSuppress("tag-a", []byte("r2"), now.Add(10)))
	require.False(t, c.ShouldSuppress("tag-b", []byte("r1"), now))
}

func TestPathResponseCacheSweepDropsExpired(t *testing.T) {
	c := NewPathResponseCache()
	now := mustTime(1_700_000_000)
	c.ShouldSuppress("tag-a", []byte("r1"), now)
	c.Sweep(now.Add(31e9))
	require.False(t, c.ShouldSuppress("tag-a", []byte("r2"), now.Add(31e9)))
}
