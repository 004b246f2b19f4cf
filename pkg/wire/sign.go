package wire

import (
	"crypto/ed25519"
	"fmt"
)

// SignHeader computes the header's signature over its pre-signature bytes
// and fills in both PublicKey and Signature.
func SignHeader(h *EnvelopeHeader, priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != publicKeySize {
		return fmt.Errorf("wire: unexpected public key type/length")
	}
	copy(h.PublicKey[:], pub)

	msg, err := h.PreSignatureBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, msg)
	copy(h.Signature[:], sig)
	return nil
}

// VerifyHeaderSignature reports whether the header's embedded public key
// produced its embedded signature over the header's pre-signature bytes. It
// does not check that PublicKey corresponds to FromPeerID; callers that care
// about binding identity to transport address must do that separately.
func VerifyHeaderSignature(h *EnvelopeHeader) bool {
	msg, err := h.PreSignatureBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(h.PublicKey[:], msg, h.Signature[:])
}

// SignAnnouncement signs a SignedAnnouncement's canonical bytes in place.
func SignAnnouncement(a *SignedAnnouncement, priv ed25519.PrivateKey) error {
	msg, err := a.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, msg)
	copy(a.Signature[:], sig)
	return nil
}

// VerifyAnnouncement reports whether the announcement's embedded PublicKey
// produced its Signature over its canonical bytes.
func VerifyAnnouncement(a *SignedAnnouncement) bool {
	msg, err := a.CanonicalBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(a.PublicKey[:], msg, a.Signature[:])
}
