package lifecycle

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// generateSSHKeypair creates an Ed25519 keypair in OpenSSH encoding.
// Returns (publicKey, privateKey) as strings ready to hand to the
// sandbox and back to the owner.
func generateSSHKeypair() (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate keypair: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode public key: %w", err)
	}
	publicKey := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode private key: %w", err)
	}
	privateKey := string(pem.EncodeToMemory(block))

	return publicKey, privateKey, nil
}
