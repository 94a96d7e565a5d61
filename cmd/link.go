package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-serverbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
	"github.com/paulschiretz/pgl-serverbackup/pkg/uploader"
)

// linker runs the authorization-code flow of one auth provider.
type linker interface {
	AuthURL() string
	Exchange(ctx context.Context, code string) (uploader.Credential, error)
}

// RunLink authorizes a backend and stores the resulting credential.
func RunLink(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, closeTrace, err := loadRunConfig(flagparse.Link, flagMap)
	if err != nil {
		return err
	}
	defer closeTrace()

	provider, _ := flagMap["provider"].(string)
	var l linker
	switch uploader.AuthProvider(provider) {
	case uploader.AuthDropbox:
		if l, err = uploader.NewDropboxLinker(runConfig.Uploaders.Dropbox); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown auth provider %q. Must be %q", provider, uploader.AuthDropbox)
	}

	creds, err := uploader.LoadCredentialStore(runConfig.CredentialsFile)
	if err != nil {
		return err
	}
	return linkCredential(ctx, l, creds, uploader.AuthProvider(provider), os.Stdin, os.Stdout)
}

// linkCredential prints the authorization URL, reads the code the operator
// pastes and saves the exchanged credential.
func linkCredential(ctx context.Context, l linker, creds *uploader.CredentialStore, provider uploader.AuthProvider, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "1. Open this URL and allow access:\n\n   %s\n\n", l.AuthURL())
	fmt.Fprint(out, "2. Paste the authorization code here: ")

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read authorization code: %w", err)
	}
	cred, err := l.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return err
	}
	creds.Set(provider, cred)
	if err := creds.Save(); err != nil {
		return err
	}
	plog.Info("Credential stored", "provider", string(provider))
	return nil
}
