package envelope

// Envelope seals values with one cipher and opens values sealed by any cipher
// it knows about.
type Envelope struct {
	seal    Cipher
	ciphers map[byte]Cipher
}

// New returns an envelope that seals with c. Additional ciphers are accepted
// when opening, which lets a device read values sealed before a key change
// from plain to encrypted.
func New(c Cipher, others ...Cipher) *Envelope {
	if c == nil {
		c = Plain{}
	}
	e := &Envelope{seal: c, ciphers: map[byte]Cipher{c.Type(): c}}
	for _, o := range others {
		if o != nil {
			if _, ok := e.ciphers[o.Type()]; !ok {
				e.ciphers[o.Type()] = o
			}
		}
	}
	return e
}

// CipherType returns the type byte written by Seal.
func (e *Envelope) CipherType() byte { return e.seal.Type() }

// Seal encodes and encrypts v.
func (e *Envelope) Seal(v any) ([]byte, error) {
	plain, err := Marshal(v)
	if err != nil {
		return nil, &EncryptionError{Op: "encode", Type: e.seal.Type(), Err: err}
	}
	return e.SealPayload(plain)
}

// SealPayload encrypts an already encoded payload.
func (e *Envelope) SealPayload(plain []byte) ([]byte, error) {
	ct, err := e.seal.Encrypt(plain)
	if err != nil {
		return nil, &EncryptionError{Op: "encrypt", Type: e.seal.Type(), Err: err}
	}
	out := make([]byte, 0, len(ct)+1)
	out = append(out, e.seal.Type())
	return append(out, ct...), nil
}

// OpenPayload decrypts sealed without decoding it.
func (e *Envelope) OpenPayload(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, &EncryptionError{Op: "decrypt", Err: errEmpty}
	}
	c, ok := e.ciphers[sealed[0]]
	if !ok {
		return nil, &EncryptionError{Op: "decrypt", Type: sealed[0], Err: errUnknownCipher}
	}
	plain, err := c.Decrypt(sealed[1:])
	if err != nil {
		return nil, &EncryptionError{Op: "decrypt", Type: sealed[0], Err: err}
	}
	return plain, nil
}

// Open decrypts and decodes a sealed value.
func (e *Envelope) Open(sealed []byte) (any, error) {
	plain, err := e.OpenPayload(sealed)
	if err != nil {
		return nil, err
	}
	v, err := Unmarshal(plain)
	if err != nil {
		return nil, &EncryptionError{Op: "decode", Type: sealed[0], Err: err}
	}
	return v, nil
}
