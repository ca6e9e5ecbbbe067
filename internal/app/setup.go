package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/mailindex/internal/credential"
	"github.com/nhle/mailindex/internal/model"
)

// setupForm holds the answers of the interactive setup.
type setupForm struct {
	kind       string
	profileDir string
	name       string
	host       string
	port       string
	username   string
	password   string
	tls        bool
}

// Setup asks for a mail store interactively, stores any IMAP password in
// the keyring and writes the resulting configuration to path.
func Setup(path string, cfg *model.AppConfig) error {
	f := setupForm{kind: "mbox", port: "993", tls: true}

	if err := f.kindForm().Run(); err != nil {
		return fmt.Errorf("choosing mail store: %w", err)
	}

	var details *huh.Form
	if f.kind == "imap" {
		details = f.imapForm()
	} else {
		details = f.mboxForm()
	}
	if err := details.Run(); err != nil {
		return fmt.Errorf("describing mail store: %w", err)
	}

	if err := f.apply(cfg); err != nil {
		return err
	}
	return model.SaveConfig(path, cfg)
}

// apply copies the answers into cfg, saving the password in the keyring.
func (f *setupForm) apply(cfg *model.AppConfig) error {
	cfg.MailStore.Kind = f.kind
	if f.kind == "mbox" {
		cfg.MailStore.ProfileDir = expandHome(strings.TrimSpace(f.profileDir))
		return nil
	}

	acct := model.IMAPAccountConfig{
		Name:     strings.TrimSpace(f.name),
		Host:     strings.TrimSpace(f.host),
		Port:     strings.TrimSpace(f.port),
		Username: strings.TrimSpace(f.username),
		TLS:      f.tls,
	}
	if err := credential.Set(credential.IMAPKey(acct.Name), f.password); err != nil {
		return fmt.Errorf("storing password for %s: %w", acct.Name, err)
	}

	replaced := false
	for i, existing := range cfg.MailStore.IMAP {
		if existing.Name == acct.Name {
			cfg.MailStore.IMAP[i] = acct
			replaced = true
		}
	}
	if !replaced {
		cfg.MailStore.IMAP = append(cfg.MailStore.IMAP, acct)
	}
	return nil
}

func (f *setupForm) kindForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Mail store").
				Options(
					huh.NewOption("Thunderbird profile - local mbox folders", "mbox"),
					huh.NewOption("IMAP - remote mailbox", "imap"),
				).
				Value(&f.kind),
		),
	)
}

func (f *setupForm) mboxForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Profile directory").
				Description("The directory holding Mail/ and ImapMail/").
				Placeholder("~/.thunderbird/abcd1234.default").
				Value(&f.profileDir).
				Validate(validateDir),
		),
	)
}

func (f *setupForm) imapForm() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Description("A label for this account").
				Placeholder("work").
				Value(&f.name).
				Validate(validateRequired("Name")),
			huh.NewInput().
				Title("IMAP Host").
				Placeholder("imap.example.com").
				Value(&f.host).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("IMAP Port").
				Value(&f.port).
				Validate(validatePort),
			huh.NewInput().
				Title("Username").
				Value(&f.username).
				Validate(validateRequired("Username")),
			huh.NewInput().
				Title("Password").
				Description("Stored in the system keyring").
				EchoMode(huh.EchoModePassword).
				Value(&f.password).
				Validate(validateRequired("Password")),
			huh.NewConfirm().
				Title("Use TLS?").
				Value(&f.tls),
		),
	)
}

// SetPassword asks for the password of an IMAP account and stores it in
// the keyring.
func SetPassword(account string) error {
	var password string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Password for %s", account)).
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Validate(validateRequired("Password")),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	return credential.Set(credential.IMAPKey(account), password)
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validatePort(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("port is required")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return errors.New("port must be a number")
		}
	}
	return nil
}

func validateDir(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("directory is required")
	}
	info, err := os.Stat(expandHome(s))
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", s, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s)
	}
	return nil
}

// expandHome resolves a leading "~/" against the home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
