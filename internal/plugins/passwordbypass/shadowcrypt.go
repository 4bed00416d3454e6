package passwordbypass

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"
)

const shadowCryptRounds = 5000

// sha256Crypt implements glibc's SHA-256 crypt($5$) scheme (Drepper's
// "Unix crypt with SHA-256/SHA-512" specification), used to produce a
// /etc/shadow-compatible hash for the blank password this plugin resets
// accounts to.
func sha256Crypt(password, salt []byte) string {
	saltStr := string(salt)
	if len(saltStr) > 16 {
		saltStr = saltStr[:16]
	}
	salt = []byte(saltStr)

	h := sha256.New()
	h.Write(password)
	h.Write(salt)
	h.Write(password)
	digestB := h.Sum(nil)

	h = sha256.New()
	h.Write(password)
	h.Write(salt)
	h.Write(repeatToLen(digestB, len(password)))

	for cnt := len(password); cnt > 0; cnt >>= 1 {
		if cnt&1 != 0 {
			h.Write(digestB)
		} else {
			h.Write(password)
		}
	}
	digestA := h.Sum(nil)

	dp := sha256.New()
	for i := 0; i < len(password); i++ {
		dp.Write(password)
	}
	dpDigest := repeatToLen(dp.Sum(nil), len(password))

	ds := sha256.New()
	for i := 0; i < 16+int(digestA[0]); i++ {
		ds.Write(salt)
	}
	dsDigest := repeatToLen(ds.Sum(nil), len(salt))

	current := digestA
	for round := 0; round < shadowCryptRounds; round++ {
		r := sha256.New()
		if round%2 != 0 {
			r.Write(dpDigest)
		} else {
			r.Write(current)
		}
		if round%3 != 0 {
			r.Write(dsDigest)
		}
		if round%7 != 0 {
			r.Write(dpDigest)
		}
		if round%2 != 0 {
			r.Write(current)
		} else {
			r.Write(dpDigest)
		}
		current = r.Sum(nil)
	}

	encoded := sha256CryptEncode(current)
	return fmt.Sprintf("$5$rounds=%d$%s$%s", shadowCryptRounds, saltStr, encoded)
}

func repeatToLen(b []byte, n int) []byte {
	if n == 0 {
		return nil
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, b...)
	}
	return out[:n]
}

const b64Chars = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// sha256CryptEncode reorders and base64-like-encodes the 32-byte digest
// per the permutation table in the SHA-256-crypt specification.
func sha256CryptEncode(digest []byte) string {
	order := [][3]int{
		{0, 10, 20}, {21, 1, 11}, {12, 22, 2}, {3, 13, 23}, {24, 4, 14},
		{15, 25, 5}, {6, 16, 26}, {27, 7, 17}, {18, 28, 8}, {9, 19, 29},
	}
	var sb strings.Builder
	for _, triple := range order {
		encodeTriple(&sb, digest[triple[0]], digest[triple[1]], digest[triple[2]], 4)
	}
	encodeTriple(&sb, 0, digest[31], digest[30], 3)
	return sb.String()
}

func encodeTriple(sb *strings.Builder, b2, b1, b0 byte, numChars int) {
	v := int(b2)<<16 | int(b1)<<8 | int(b0)
	for i := 0; i < numChars; i++ {
		sb.WriteByte(b64Chars[v&0x3f])
		v >>= 6
	}
}

// randomSalt returns n random characters drawn from the crypt alphabet.
func randomSalt(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = b64Chars[int(b)%len(b64Chars)]
	}
	return out, nil
}

// ResetShadowHashes rewrites every eligible /etc/shadow line's password
// field to a SHA-256 crypt hash of newPassword, leaving already-locked
// ("!"/"*" prefixed) accounts untouched. Returns the rewritten file
// contents and whether any line was changed.
func ResetShadowHashes(data []byte) ([]byte, bool, error) {
	lines := strings.Split(string(data), "\n")
	changed := false

	for i, line := range lines {
		if line == "" {
			continue
		}
		m := shadowLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		hash := m[2]
		if hash == "" || strings.HasPrefix(hash, "!") || strings.HasPrefix(hash, "*") {
			continue
		}

		salt, err := randomSalt(16)
		if err != nil {
			return nil, false, fmt.Errorf("generate salt: %w", err)
		}
		newHash := sha256Crypt([]byte(newPassword), salt)
		lines[i] = m[1] + ":" + newHash + ":" + m[3]
		changed = true
	}

	return []byte(strings.Join(lines, "\n")), changed, nil
}
