package integrity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadTrustBundle loads a PEM bundle of trusted roots into a CertPool.
func LoadTrustBundle(pemPath string) (*x509.CertPool, error) {
	if pemPath == "" {
		return nil, errors.New("empty trust bundle path")
	}
	b, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("trust bundle %s: no PEM certificates", pemPath)
	}
	return pool, nil
}

// VerifySignature checks a detached signature over the SHA-256 digest of
// data. cert is the signer's certificate (PEM or DER) and must chain to
// roots. The signature may be raw or base64 encoded. RSA (PKCS#1 v1.5),
// ECDSA (ASN.1) and Ed25519 keys are accepted; Ed25519 signs data itself.
func VerifySignature(data, sig, cert []byte, roots *x509.CertPool) error {
	if roots == nil {
		return errors.New("nil trust roots")
	}
	leaf, err := parseLeaf(cert)
	if err != nil {
		return err
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return fmt.Errorf("certificate verify failed: %w", err)
	}
	if isLikelyBase64(sig) {
		if dec, err := base64.StdEncoding.DecodeString(string(sig)); err == nil {
			sig = dec
		}
	}
	digest := sha256.Sum256(data)
	switch pub := leaf.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("rsa verify failed: %w", err)
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errors.New("ecdsa verify failed")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, data, sig) {
			return errors.New("ed25519 verify failed")
		}
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
	return nil
}

// parseLeaf returns the first certificate of a PEM bundle, or parses b as
// DER when it holds no PEM block.
func parseLeaf(b []byte) (*x509.Certificate, error) {
	rest, sawPEM := b, false
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		sawPEM = true
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
	if sawPEM {
		return nil, errors.New("no certificate in PEM")
	}
	return x509.ParseCertificate(b)
}

func isLikelyBase64(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c == '\n' || c == '\r' || c == '=' || c == '+' || c == '/' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}
