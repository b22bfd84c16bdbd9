package shelltest

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aluedeke/go-signkit/pkg/shell"
)

// Identity is a certificate + key pair as the simulator stores it
type Identity struct {
	Label   string // e.g. "Apple Distribution: Acme Inc (ABCDE12345)"
	CertDER []byte
}

// SHA1 returns the upper-case hex fingerprint the security tool prints
func (id Identity) SHA1() string {
	sum := sha1.Sum(id.CertDER)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

type p12Entry struct {
	password string
	identity Identity
}

type simKeychain struct {
	password string
	locked   bool
	items    []Identity
}

// Security simulates the subset of /usr/bin/security used by the engine:
// keychain lifecycle, search list, import, identity and certificate lookup.
// Handlers registered on the embedded Fake take precedence, which lets tests
// inject failures for individual subcommands.
type Security struct {
	Fake

	mu         sync.Mutex
	keychains  map[string]*simKeychain
	searchList []string
	p12s       map[string]p12Entry
	now        func() time.Time
}

// NewSecurity returns a simulator whose search list starts with loginKeychain
func NewSecurity(loginKeychain string) *Security {
	s := &Security{
		keychains: map[string]*simKeychain{},
		p12s:      map[string]p12Entry{},
		now:       time.Now,
	}
	if loginKeychain != "" {
		s.keychains[loginKeychain] = &simKeychain{}
		s.searchList = []string{loginKeychain}
	}
	return s
}

// RegisterP12 tells the simulator which identity a PKCS#12 blob contains
func (s *Security) RegisterP12(data []byte, password string, id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p12s[string(data)] = p12Entry{password: password, identity: id}
}

// AddIdentity places an identity directly into a keychain
func (s *Security) AddIdentity(keychain string, id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kc, ok := s.keychains[keychain]
	if !ok {
		kc = &simKeychain{}
		s.keychains[keychain] = kc
	}
	kc.items = append(kc.items, id)
}

// SearchList returns the current user search list
func (s *Security) SearchList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.searchList...)
}

// HasKeychain reports whether the simulator knows the keychain
func (s *Security) HasKeychain(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keychains[path]
	return ok
}

// Locked reports the lock state of a keychain
func (s *Security) Locked(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kc, ok := s.keychains[path]
	return ok && kc.locked
}

// IdentityCount returns how many identities a keychain holds
func (s *Security) IdentityCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kc, ok := s.keychains[path]; ok {
		return len(kc.items)
	}
	return 0
}

// Run implements shell.Gateway
func (s *Security) Run(ctx context.Context, cmd shell.Command) (*shell.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.record(cmd)
	if fn := s.lookup(cmd); fn != nil {
		return fn(cmd), nil
	}
	if cmd.Name != "security" || len(cmd.Args) == 0 {
		return &shell.Result{ExitCode: 127, Stderr: "unexpected command: " + cmd.String()}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := cmd.Args[1:]
	switch cmd.Args[0] {
	case "create-keychain":
		return s.createKeychain(args), nil
	case "set-keychain-settings":
		return s.withKeychain(lastPositional(args, "-t", "-lut"), "SecKeychainSetSettings", func(*simKeychain) *shell.Result {
			return ok("")
		}), nil
	case "unlock-keychain":
		return s.withKeychain(lastPositional(args, "-p"), "SecKeychainUnlock", func(kc *simKeychain) *shell.Result {
			if flagValue(args, "-p") != kc.password {
				return fail(51, "security: SecKeychainUnlock: The user name or passphrase you entered is not correct.")
			}
			kc.locked = false
			return ok("")
		}), nil
	case "lock-keychain":
		return s.withKeychain(lastPositional(args), "SecKeychainLock", func(kc *simKeychain) *shell.Result {
			kc.locked = true
			return ok("")
		}), nil
	case "delete-keychain":
		return s.deleteKeychain(args), nil
	case "list-keychains":
		return s.listKeychains(args), nil
	case "import":
		return s.importP12(args), nil
	case "set-key-partition-list":
		return s.withKeychain(lastPositional(args, "-S", "-k", "-D", "-t", "-a", "-c", "-l"), "SecItemCopyMatching", func(*simKeychain) *shell.Result {
			return ok("")
		}), nil
	case "find-identity":
		return s.findIdentity(args), nil
	case "find-certificate":
		return s.findCertificate(args), nil
	case "delete-certificate":
		return s.deleteCertificate(args), nil
	}
	return fail(2, "security: unknown command "+cmd.Args[0]), nil
}

func ok(stdout string) *shell.Result {
	return &shell.Result{Stdout: stdout}
}

func fail(code int, stderr string) *shell.Result {
	return &shell.Result{ExitCode: code, Stderr: stderr + "\n"}
}

func lastPositional(args []string, valueFlags ...string) string {
	pos := positional(args, valueFlags...)
	if len(pos) == 0 {
		return ""
	}
	return pos[len(pos)-1]
}

func (s *Security) withKeychain(path, op string, fn func(*simKeychain) *shell.Result) *shell.Result {
	kc, found := s.keychains[path]
	if !found {
		return fail(50, fmt.Sprintf("security: %s %s: The specified keychain could not be found.", op, path))
	}
	return fn(kc)
}

func (s *Security) createKeychain(args []string) *shell.Result {
	path := lastPositional(args, "-p")
	if _, exists := s.keychains[path]; exists {
		return fail(48, fmt.Sprintf("security: SecKeychainCreate %s: A keychain with the same name already exists.", path))
	}
	s.keychains[path] = &simKeychain{password: flagValue(args, "-p")}
	if dir := filepath.Dir(path); dirExists(dir) {
		_ = os.WriteFile(path, nil, 0600)
	}
	return ok("")
}

func (s *Security) deleteKeychain(args []string) *shell.Result {
	path := lastPositional(args)
	if _, exists := s.keychains[path]; !exists {
		return fail(50, "security: SecKeychainDelete: The specified keychain could not be found.")
	}
	delete(s.keychains, path)
	_ = os.Remove(path)
	filtered := s.searchList[:0]
	for _, p := range s.searchList {
		if p != path {
			filtered = append(filtered, p)
		}
	}
	s.searchList = filtered
	return ok("")
}

func (s *Security) listKeychains(args []string) *shell.Result {
	for i, a := range args {
		if a == "-s" {
			s.searchList = append([]string(nil), args[i+1:]...)
			return ok("")
		}
	}
	var b strings.Builder
	for _, p := range s.searchList {
		fmt.Fprintf(&b, "    %q\n", p)
	}
	return ok(b.String())
}

func (s *Security) importP12(args []string) *shell.Result {
	pos := positional(args, "-k", "-P", "-T", "-f", "-t")
	if len(pos) == 0 {
		return fail(2, "security: import: missing input file")
	}
	data, err := os.ReadFile(pos[0])
	if err != nil {
		return fail(1, fmt.Sprintf("security: import: %v", err))
	}
	entry, known := s.p12s[string(data)]
	if !known {
		return fail(1, "security: SecKeychainItemImport: Unknown format in import.")
	}
	if flagValue(args, "-P") != entry.password {
		return fail(1, "security: SecKeychainItemImport: MAC verification failed during PKCS12 import (wrong password?)")
	}
	return s.withKeychain(flagValue(args, "-k"), "SecKeychainItemImport", func(kc *simKeychain) *shell.Result {
		for _, item := range kc.items {
			if item.SHA1() == entry.identity.SHA1() {
				return fail(1, "security: SecKeychainItemImport: The specified item already exists in the keychain.")
			}
		}
		kc.items = append(kc.items, entry.identity)
		return ok("1 identity imported.\n")
	})
}

// scope returns the keychains a lookup covers: the named one or the search list
func (s *Security) scope(args []string, valueFlags ...string) ([]*simKeychain, *shell.Result) {
	pos := positional(args, valueFlags...)
	if len(pos) == 0 {
		var kcs []*simKeychain
		for _, p := range s.searchList {
			if kc, ok := s.keychains[p]; ok {
				kcs = append(kcs, kc)
			}
		}
		return kcs, nil
	}
	kc, found := s.keychains[pos[len(pos)-1]]
	if !found {
		return nil, fail(50, "security: SecKeychainOpen: The specified keychain could not be found.")
	}
	return []*simKeychain{kc}, nil
}

func (s *Security) findIdentity(args []string) *shell.Result {
	kcs, res := s.scope(args, "-p", "-s")
	if res != nil {
		return res
	}
	var all, valid []string
	for _, kc := range kcs {
		for _, id := range kc.items {
			line := fmt.Sprintf("%s %q", id.SHA1(), id.Label)
			if cert, err := x509.ParseCertificate(id.CertDER); err == nil && s.now().After(cert.NotAfter) {
				line += " (CSSMERR_TP_CERT_EXPIRED)"
			} else {
				valid = append(valid, line)
			}
			all = append(all, line)
		}
	}

	var b strings.Builder
	b.WriteString("\nPolicy: Code Signing\n  Matching identities\n")
	for i, l := range all {
		fmt.Fprintf(&b, "  %d) %s\n", i+1, l)
	}
	fmt.Fprintf(&b, "     %d identities found\n\n  Valid identities only\n", len(all))
	for i, l := range valid {
		fmt.Fprintf(&b, "  %d) %s\n", i+1, l)
	}
	fmt.Fprintf(&b, "     %d valid identities found\n", len(valid))
	return ok(b.String())
}

func (s *Security) findCertificate(args []string) *shell.Result {
	kcs, res := s.scope(args, "-c", "-e")
	if res != nil {
		return res
	}
	name := flagValue(args, "-c")
	var b strings.Builder
	for _, kc := range kcs {
		for _, id := range kc.items {
			if name != "" && !strings.Contains(id.Label, name) {
				continue
			}
			sum := sha1.Sum(id.CertDER)
			fmt.Fprintf(&b, "SHA-1 hash: %s\n", strings.ToUpper(hex.EncodeToString(sum[:])))
			b.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.CertDER}))
		}
	}
	if b.Len() == 0 {
		return fail(44, "security: SecKeychainSearchCopyNext: The specified item could not be found in the keychain.")
	}
	return ok(b.String())
}

func (s *Security) deleteCertificate(args []string) *shell.Result {
	kcs, res := s.scope(args, "-c", "-Z")
	if res != nil {
		return res
	}
	name := flagValue(args, "-c")
	for _, kc := range kcs {
		for i, id := range kc.items {
			if id.Label == name || strings.Contains(id.Label, name) {
				kc.items = append(kc.items[:i], kc.items[i+1:]...)
				return ok("")
			}
		}
	}
	return fail(44, fmt.Sprintf("security: unable to delete certificate matching %q", name))
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
