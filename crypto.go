package streaming

import "fmt"

// signPacket signs pkt in place using signer, following the
// reserve-then-overwrite recipe: the SIGNATURE bytes are zeroed,
// the packet is fully marshaled, the signature is computed over that
// marshaled form, and the reserved region is overwritten with the
// result. pkt.Flags must already include FlagSignatureIncluded and,
// if a FROM identity is being sent alongside, pkt.FromIdentity must
// already be set.
//
// Returns the final marshaled bytes, ready to send.
func signPacket(pkt *Packet, signer Signer) ([]byte, error) {
	if err := validateSignable(pkt); err != nil {
		return nil, err
	}

	pkt.Signature = [SignatureLength]byte{}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("sign packet: marshal: %w", err)
	}

	sig, err := signer.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("sign packet: %w", err)
	}
	pkt.Signature = sig

	offset := pkt.signatureOffset()
	if offset+SignatureLength > len(data) {
		return nil, fmt.Errorf("sign packet: signature offset %d exceeds packet length %d", offset, len(data))
	}
	copy(data[offset:offset+SignatureLength], sig[:])
	return data, nil
}

// validateSignable checks the prerequisites for signPacket.
func validateSignable(pkt *Packet) error {
	if pkt.Flags&FlagSignatureIncluded == 0 {
		return fmt.Errorf("sign packet: FlagSignatureIncluded not set")
	}
	return nil
}

// verifyPacketSignature checks pkt's signature against identity,
// zeroing the signature bytes in a re-marshaled copy before
// verification exactly as the signer did before signing.
func verifyPacketSignature(pkt *Packet, identity *Identity, verifier Verifier) error {
	if pkt.Flags&FlagSignatureIncluded == 0 {
		return fmt.Errorf("verify packet: FlagSignatureIncluded not set")
	}
	if identity == nil {
		return fmt.Errorf("verify packet: no identity to verify against")
	}

	original := pkt.Signature
	pkt.Signature = [SignatureLength]byte{}
	data, err := pkt.Marshal()
	pkt.Signature = original
	if err != nil {
		return fmt.Errorf("verify packet: marshal: %w", err)
	}

	return verifier.Verify(identity, data, original)
}
