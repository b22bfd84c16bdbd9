package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"

	"github.com/aluedeke/go-signkit/internal/config"
	"github.com/aluedeke/go-signkit/internal/logger"
	"github.com/aluedeke/go-signkit/pkg/ci"
	"github.com/aluedeke/go-signkit/pkg/codesign"
	"github.com/aluedeke/go-signkit/pkg/keychain"
	"github.com/aluedeke/go-signkit/pkg/shell"
	"github.com/aluedeke/go-signkit/pkg/token"
)

const version = "1.0.0"

const usage = `go-signkit - Code Signing Credential Manager

Discovers, validates and provisions iOS/macOS signing identities and
provisioning profiles on build machines, and issues App Store Connect API tokens.

Usage:
  go-signkit certs list [options]
  go-signkit certs find --team=<id> [--type=<type>] [options]
  go-signkit certs import --p12=<path> [--password=<password>] [options]
  go-signkit certs delete --name=<name> [options]
  go-signkit profiles list [options]
  go-signkit profiles find --bundleid=<id> [--type=<type>] [--team=<id>] [options]
  go-signkit profiles install <file>... [options]
  go-signkit profiles remove <uuid> [options]
  go-signkit profiles prune [options]
  go-signkit keychain create <name> [options]
  go-signkit keychain delete <path> [options]
  go-signkit keychain prune [options]
  go-signkit ci setup [--export-options=<path>] [options]
  go-signkit ci cleanup <path> [options]
  go-signkit token [options]
  go-signkit info --app=<path> [options]
  go-signkit info --profile=<path> [--udid=<udid>] [options]
  go-signkit info --p12=<path> [--password=<password>] [options]
  go-signkit verify --app=<path> [--team=<id>] [--profile-uuid=<uuid>] [options]
  go-signkit -h | --help
  go-signkit --version

Commands:
  certs     List, find, import and delete signing identities
  profiles  List, find, install and remove provisioning profiles
  keychain  Create and delete build keychains, prune leftovers of crashed runs
  ci        Prepare a build machine from CI secrets and clean up afterwards
  token     Print an App Store Connect API bearer token
  info      Display information about an app, a provisioning profile or a P12
  verify    Check the team and embedded profile of a built .app or .ipa

Options:
  --keychain=<path>           Limit to / import into this keychain
  --keychain-password=<pw>    Keychain password (create, grant codesign access on import)
  --team=<id>                 Team identifier, e.g. ABCDE12345
  --type=<type>               Certificate type (development, distribution, "Apple Distribution", ...)
                              or profile type (development, app-store, ad-hoc, enterprise, ...)
  --p12=<path>                Path to the P12 certificate file (or CODESIGN_P12 env var)
  --password=<password>       Password for the P12 certificate (or CODESIGN_PASSWORD env var)
  --name=<name>               Certificate common name
  --bundleid=<id>             Bundle identifier to find a profile for
  --app=<path>                Path to the .ipa file or .app bundle directory
  --profile=<path>            Path to a provisioning profile
  --profile-uuid=<uuid>       Expected embedded profile UUID (verify)
  --udid=<udid>               Check that the profile provisions this device (info)
  --export-options=<path>     Write ExportOptions.plist here after CI setup
  --config=<path>             Config file (default: ./signkit.yaml)
  -v --verbose                Debug logging
  -h --help                   Show this help message
  --version                   Show version

Environment Variables:
  SIGNKIT_CI_CERTIFICATE           Base64 P12 for ci setup
  SIGNKIT_CI_CERTIFICATE_PASSWORD  P12 password for ci setup
  SIGNKIT_CI_PROFILES              Space-separated base64 provisioning profiles for ci setup
  SIGNKIT_CI_KEYCHAIN_PASSWORD     Password for the CI keychain (random when unset)
  SIGNKIT_TOKEN_ISSUER_ID          App Store Connect issuer id
  SIGNKIT_TOKEN_KEY_ID             App Store Connect key id
  SIGNKIT_TOKEN_PRIVATE_KEY        Content of the .p8 key (or SIGNKIT_TOKEN_PRIVATE_KEY_PATH)
  SIGNKIT_PROFILES_DECODER         pkcs7 (default) or security
  CODESIGN_P12                     Path to P12 certificate file (overridden by --p12)
  CODESIGN_PASSWORD                P12 certificate password (overridden by --password)

Examples:
  # Find the distribution identity of a team
  go-signkit certs find --team=ABCDE12345 --type=distribution

  # Install profiles and drop expired ones
  go-signkit profiles install AppStore.mobileprovision AdHoc.mobileprovision
  go-signkit profiles prune

  # Prepare a CI machine, build, then clean up
  eval "$(go-signkit ci setup --export-options=ExportOptions.plist)"
  xcodebuild ... OTHER_CODE_SIGN_FLAGS="--keychain $SIGNKIT_KEYCHAIN"
  go-signkit ci cleanup "$SIGNKIT_KEYCHAIN"

  # Call the App Store Connect API
  curl -H "Authorization: Bearer $(go-signkit token)" https://api.appstoreconnect.apple.com/v1/apps
`

// app holds the components a command needs
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	shell    shell.Gateway
	certs    *codesign.CertificateRegistry
	profiles *codesign.ProfileRegistry
	kcs      *keychain.Manager
}

func newApp(opts docopt.Opts) (*app, error) {
	cfgPath, _ := opts.String("--config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if verbose, _ := opts.Bool("--verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format).Logger

	gw := shell.NewExecGateway(log)

	var decoder codesign.Decoder = codesign.PKCS7Decoder{}
	if cfg.Profiles.Decoder == "security" {
		decoder = codesign.SecurityCMSDecoder{Shell: gw}
	}

	kcs := keychain.NewManager(gw, cfg.Keychain.Dir, log)
	kcs.LockTimeout = cfg.Keychain.LockTimeout

	return &app{
		cfg:      cfg,
		log:      log,
		shell:    gw,
		certs:    codesign.NewCertificateRegistry(gw, log),
		profiles: codesign.NewProfileRegistry(cfg.Profiles.Dir, decoder, log),
		kcs:      kcs,
	}, nil
}

func (a *app) orchestrator() *ci.Orchestrator {
	o := ci.NewOrchestrator(a.kcs, a.certs, a.profiles, a.log)
	if a.cfg.Keychain.Prefix != "" {
		o.KeychainPrefix = a.cfg.Keychain.Prefix
	}
	return o
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts docopt.Opts) error {
	a, err := newApp(opts)
	if err != nil {
		return err
	}

	switch {
	case flag(opts, "certs"):
		return a.runCerts(ctx, opts)
	case flag(opts, "profiles"):
		return a.runProfiles(ctx, opts)
	case flag(opts, "keychain"):
		return a.runKeychain(ctx, opts)
	case flag(opts, "ci"):
		return a.runCI(ctx, opts)
	case flag(opts, "token"):
		return a.runToken(ctx)
	case flag(opts, "info"):
		return runInfo(opts)
	case flag(opts, "verify"):
		return runVerify(ctx, opts)
	}
	return nil
}

func flag(opts docopt.Opts, key string) bool {
	b, _ := opts.Bool(key)
	return b
}

func str(opts docopt.Opts, key string) string {
	s, _ := opts.String(key)
	return s
}

func (a *app) runCerts(ctx context.Context, opts docopt.Opts) error {
	kc := str(opts, "--keychain")

	switch {
	case flag(opts, "list"):
		listing, err := a.certs.ListCertificates(ctx, kc)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, id := range listing.Identities {
			printIdentity(id, now)
		}
		for _, f := range listing.Failures {
			fmt.Fprintf(os.Stderr, "skipped: %s (%s)\n", f.Source, f.Reason)
		}
		return nil

	case flag(opts, "find"):
		typ := codesign.CertificateType("")
		if t := str(opts, "--type"); t != "" {
			if typ = codesign.ParseCertificateType(t); typ == codesign.CertificateUnknown {
				return fmt.Errorf("unknown certificate type %q", t)
			}
		}
		id, err := a.certs.FindCertificate(ctx, str(opts, "--team"), typ, kc)
		if err != nil {
			return err
		}
		printIdentity(id, time.Now())
		return nil

	case flag(opts, "import"):
		p12Path, password := p12Args(opts)
		if p12Path == "" {
			return fmt.Errorf("--p12 is required (or set CODESIGN_P12 environment variable)")
		}
		data, err := os.ReadFile(p12Path)
		if err != nil {
			return fmt.Errorf("failed to read P12: %w", err)
		}
		return a.certs.ImportCertificate(ctx, data, password, kc, codesign.ImportOptions{
			KeychainPassword: str(opts, "--keychain-password"),
		})

	case flag(opts, "delete"):
		return a.certs.DeleteCertificate(ctx, str(opts, "--name"), kc)
	}
	return nil
}

func p12Args(opts docopt.Opts) (string, string) {
	p12Path := str(opts, "--p12")
	password := str(opts, "--password")
	if p12Path == "" {
		p12Path = os.Getenv("CODESIGN_P12")
	}
	if password == "" {
		password = os.Getenv("CODESIGN_PASSWORD")
	}
	return p12Path, password
}

func printIdentity(id *codesign.SigningIdentity, now time.Time) {
	status := "valid"
	if id.IsExpired(now) {
		status = "expired"
	}
	fmt.Printf("%s  %s\n", id.SHA1, id.CommonName)
	fmt.Printf("    Type: %s  Team: %s  Expires: %s (%d days, %s)\n",
		id.Type, id.TeamID, id.NotAfter.Format("2006-01-02"), id.ExpiresInDays(now), status)
}

func (a *app) runProfiles(ctx context.Context, opts docopt.Opts) error {
	switch {
	case flag(opts, "list"):
		listing, err := a.profiles.ListProfiles(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, p := range listing.Profiles {
			printProfileLine(p, now)
		}
		for _, f := range listing.Failures {
			fmt.Fprintf(os.Stderr, "skipped: %s (%s)\n", f.Source, f.Reason)
		}
		return nil

	case flag(opts, "find"):
		var typ codesign.ProfileType
		if t := str(opts, "--type"); t != "" {
			var err error
			if typ, err = codesign.ParseProfileType(t); err != nil {
				return err
			}
		}
		p, err := a.profiles.FindProfile(ctx, str(opts, "--bundleid"), typ, str(opts, "--team"))
		if err != nil {
			return err
		}
		printProfileLine(p, time.Now())
		return nil

	case flag(opts, "install"):
		files, _ := opts["<file>"].([]string)
		for _, f := range files {
			inst, err := a.profiles.InstallProfile(ctx, f)
			if err != nil {
				return fmt.Errorf("failed to install %s: %w", f, err)
			}
			fmt.Printf("Installed %s (%s) to %s\n", inst.Profile.Name, inst.Profile.UUID, inst.Profile.Path)
		}
		return nil

	case flag(opts, "remove"):
		return a.profiles.RemoveProfile(ctx, str(opts, "<uuid>"))

	case flag(opts, "prune"):
		n, err := a.profiles.RemoveExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired provisioning profile(s)\n", n)
		return nil
	}
	return nil
}

func printProfileLine(p *codesign.ProvisioningProfile, now time.Time) {
	status := "valid"
	if p.IsExpired(now) {
		status = "expired"
	}
	fmt.Printf("%s  %-12s %-10s %s  %s (%s, expires %s)\n",
		p.UUID, p.Type, p.GetTeamID(), p.BundleID, p.Name, status, p.ExpirationDate.Format("2006-01-02"))
}

func (a *app) runKeychain(ctx context.Context, opts docopt.Opts) error {
	switch {
	case flag(opts, "create"):
		password := str(opts, "--keychain-password")
		if password == "" {
			return fmt.Errorf("--keychain-password is required")
		}
		kc, err := a.kcs.Create(ctx, str(opts, "<name>"), password)
		if err != nil {
			return err
		}
		fmt.Println(kc.Path)
		return nil

	case flag(opts, "delete"):
		return a.kcs.Delete(ctx, a.kcs.Path(str(opts, "<path>")))

	case flag(opts, "prune"):
		pruned, err := a.orchestrator().PruneOrphans(ctx)
		if err != nil {
			return err
		}
		for _, p := range pruned {
			fmt.Printf("Deleted %s\n", p)
		}
		return nil
	}
	return nil
}

func (a *app) runCI(ctx context.Context, opts docopt.Opts) error {
	o := a.orchestrator()

	if flag(opts, "cleanup") {
		return o.Cleanup(ctx, a.kcs.Path(str(opts, "<path>")))
	}

	c := a.cfg.CI
	if c.Certificate == "" {
		return fmt.Errorf("SIGNKIT_CI_CERTIFICATE is required")
	}
	prepared, err := o.Setup(ctx, ci.Request{
		CertificateBase64:   c.Certificate,
		CertificatePassword: c.CertificatePassword,
		ProfilesBase64:      c.Profiles,
		KeychainName:        c.KeychainName,
		KeychainPassword:    c.KeychainPassword,
	})
	if err != nil {
		return err
	}

	if path := str(opts, "--export-options"); path != "" {
		if err := prepared.ExportOptions.WritePlist(path); err != nil {
			return err
		}
	}

	fmt.Printf("export SIGNKIT_KEYCHAIN=%q\n", prepared.Keychain.Path)
	fmt.Printf("export SIGNKIT_IDENTITY=%q\n", prepared.Certificate.CommonName)
	fmt.Printf("export SIGNKIT_TEAM_ID=%q\n", prepared.Certificate.TeamID)
	if prepared.ExportOptions.Method != "" {
		fmt.Printf("export SIGNKIT_EXPORT_METHOD=%q\n", prepared.ExportOptions.Method)
	}
	return nil
}

func (a *app) runToken(ctx context.Context) error {
	gen, err := token.NewGenerator(a.cfg.Token.GeneratorConfig(), nil, a.log)
	if err != nil {
		return err
	}
	tok, err := gen.Token(ctx)
	if err != nil {
		return err
	}
	fmt.Println(tok.Value)
	return nil
}

func runInfo(opts docopt.Opts) error {
	if path := str(opts, "--app"); path != "" {
		return showAppInfo(path)
	}
	if path := str(opts, "--profile"); path != "" {
		return showProfileInfo(path, str(opts, "--udid"))
	}
	p12Path, password := p12Args(opts)
	if p12Path == "" {
		return fmt.Errorf("one of --app, --profile or --p12 is required")
	}
	return showP12Info(p12Path, password)
}

func showAppInfo(inputPath string) error {
	info, err := codesign.ReadArtifact(inputPath)
	if err != nil {
		return err
	}

	fmt.Println("App Information")
	fmt.Println("===============")
	fmt.Printf("Path:        %s\n", info.Path)
	fmt.Printf("Bundle ID:   %s\n", info.BundleID)
	fmt.Printf("Executable:  %s\n", info.Executable)
	fmt.Printf("Identifier:  %s\n", info.Identifier)
	fmt.Printf("Team ID:     %s\n", info.TeamID)
	if info.SignerCommonName != "" {
		fmt.Printf("Signed by:   %s (%s)\n", info.SignerCommonName, info.SignerSHA1)
	}

	if p := info.Profile; p != nil {
		fmt.Println()
		fmt.Println("Embedded Provisioning Profile")
		fmt.Println("-----------------------------")
		printProfileDetails(p)
	}
	return nil
}

func showProfileInfo(profilePath, udid string) error {
	profileData, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}

	profile, err := codesign.ParseProvisioningProfile(profileData)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("UUID:           %s\n", profile.UUID)
	printProfileDetails(profile)

	if len(profile.ProvisionedDevices) > 0 {
		fmt.Println()
		fmt.Println("Provisioned Devices:")
		for _, device := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", device)
		}
	}

	if len(profile.Entitlements) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		keys := make([]string, 0, len(profile.Entitlements))
		for key := range profile.Entitlements {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("  %s: %v\n", key, profile.Entitlements[key])
		}
	}

	if udid != "" {
		fmt.Println()
		if !profile.IsDeviceAllowed(udid) {
			return fmt.Errorf("device %s is not provisioned by profile %s", udid, profile.UUID)
		}
		fmt.Printf("Device %s is provisioned\n", udid)
	}
	return nil
}

func printProfileDetails(p *codesign.ProvisioningProfile) {
	fmt.Printf("Team ID:        %s (%s)\n", p.GetTeamID(), p.TeamName)
	fmt.Printf("App ID:         %s\n", p.GetApplicationIdentifier())
	fmt.Printf("Type:           %s (export method %s)\n", p.Type, p.ExportMethod())
	fmt.Printf("Created:        %s\n", p.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", p.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", p.IsExpired(time.Now()))
	if len(p.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(p.ProvisionedDevices))
	}
	if certs, err := p.GetCertificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Serial: %s\n", strings.ToUpper(cert.SerialNumber.Text(16)))
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}
}

func showP12Info(p12Path, password string) error {
	data, err := os.ReadFile(p12Path)
	if err != nil {
		return fmt.Errorf("failed to read P12: %w", err)
	}
	p12, err := codesign.InspectP12(data, password)
	if err != nil {
		return err
	}
	id := p12.SigningIdentity()
	now := time.Now()

	fmt.Println("P12 Information")
	fmt.Println("===============")
	fmt.Printf("File:        %s\n", p12Path)
	fmt.Printf("Name:        %s\n", id.CommonName)
	fmt.Printf("Type:        %s\n", id.Type)
	fmt.Printf("Team:        %s (%s)\n", id.TeamID, id.TeamName)
	fmt.Printf("Serial:      %s\n", id.SerialNumber)
	fmt.Printf("SHA-1:       %s\n", id.SHA1)
	fmt.Printf("SHA-256:     %s\n", id.SHA256)
	fmt.Printf("Expires:     %s (%d days)\n", id.NotAfter.Format("2006-01-02"), id.ExpiresInDays(now))
	fmt.Printf("Chain:       %d certificate(s)\n", len(p12.CertChain))
	return nil
}

func runVerify(ctx context.Context, opts docopt.Opts) error {
	prepared := &ci.PreparedContext{}
	prepared.ExportOptions.TeamID = str(opts, "--team")
	if u := str(opts, "--profile-uuid"); u != "" {
		prepared.Profiles = []*codesign.ProvisioningProfile{{UUID: u}}
	}

	info, err := ci.VerifyArtifact(ctx, str(opts, "--app"), prepared)
	if errors.Is(err, ci.ErrArtifactMismatch) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	fmt.Printf("OK: %s signed by team %s\n", info.BundleID, info.TeamID)
	return nil
}
