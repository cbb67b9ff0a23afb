package icrypto

// Arithmetic over GF(2^8) with the AES reduction polynomial
// x^8 + x^4 + x^3 + x + 1, matching the field used by hashicorp/vault/shamir.

// GFAdd adds two field elements.
func GFAdd(a, b uint8) uint8 {
	return a ^ b
}

// GFMul multiplies two field elements in constant time.
func GFMul(a, b uint8) uint8 {
	var r uint8
	for i := 7; i >= 0; i-- {
		r = (-(b >> uint(i) & 1) & a) ^ (-(r >> 7) & 0x1B) ^ (r + r)
	}
	return r
}

// GFInv returns the multiplicative inverse of a (a^254). GFInv(0) is 0.
func GFInv(a uint8) uint8 {
	b := GFMul(a, a)   // a^2
	c := GFMul(a, b)   // a^3
	b = GFMul(c, c)    // a^6
	b = GFMul(b, b)    // a^12
	c = GFMul(b, c)    // a^15
	b = GFMul(b, b)    // a^24
	b = GFMul(b, b)    // a^48
	b = GFMul(b, c)    // a^63
	b = GFMul(b, b)    // a^126
	b = GFMul(a, b)    // a^127
	return GFMul(b, b) // a^254
}

// GFDiv divides a by b. b must be non-zero.
func GFDiv(a, b uint8) uint8 {
	return GFMul(a, GFInv(b))
}
