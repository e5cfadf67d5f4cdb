package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/pesde-go/pesde/pkg/gitindex"
)

// credentialsBlockType is the armor block type the keychain collaborator
// exports credentials under.
const credentialsBlockType = "PESDE CREDENTIALS"

// credentialsFile is the JSON payload inside the armored block.
type credentialsFile struct {
	// Tokens maps an index URL to a bearer token.
	Tokens map[string]string `json:"tokens"`
	// Git maps a remote URL to a basic-auth pair.
	Git map[string]struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"git"`
}

// loadAuth reads the --auth credentials file, if any. The file is
// ASCII-armored so keychain exports survive copy-paste and email; the core
// itself never touches the keychain.
func loadAuth() (*gitindex.AuthConfig, error) {
	if authFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(authFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	block, err := armor.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding credentials file %s: %w", authFile, err)
	}
	if block.Type != credentialsBlockType {
		return nil, fmt.Errorf("credentials file %s has unexpected block type %q", authFile, block.Type)
	}
	payload, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file %s: %w", authFile, err)
	}

	var creds credentialsFile
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials file %s: %w", authFile, err)
	}

	auth := &gitindex.AuthConfig{
		BearerTokens: make(map[string]string, len(creds.Tokens)),
		BasicAuth:    make(map[string]gitindex.BasicCredential, len(creds.Git)),
	}
	for url, token := range creds.Tokens {
		auth.BearerTokens[gitindex.NormalizeURL(url)] = token
	}
	for url, pair := range creds.Git {
		auth.BasicAuth[gitindex.NormalizeURL(url)] = gitindex.BasicCredential{Username: pair.Username, Password: pair.Password}
	}
	return auth, nil
}
