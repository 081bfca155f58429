package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"github.com/spf13/pflag"

	"github.com/opsfleet/opsfleet/pkg/security"
	"github.com/opsfleet/opsfleet/pkg/transport"
)

// buildTransport loads the SSH signer and host-key callback worker
// connections authenticate with, per --ssh-key/--known-hosts, and returns
// the shared *transport.Transport every collaborator execs commands through.
func buildTransport(flags *pflag.FlagSet) (*transport.Transport, error) {
	keyPath, _ := flags.GetString("ssh-key")
	if keyPath == "" {
		return nil, fmt.Errorf("--ssh-key is required")
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	hostKeyCallback, err := buildHostKeyCallback(flags)
	if err != nil {
		return nil, err
	}

	user, _ := flags.GetString("ssh-user")
	selfAddr, _ := flags.GetString("self-addr")
	return transport.New(signer, hostKeyCallback, user, selfAddr), nil
}

func buildHostKeyCallback(flags *pflag.FlagSet) (ssh.HostKeyCallback, error) {
	insecure, _ := flags.GetBool("ssh-insecure-host-key")
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	knownHostsPath, _ := flags.GetString("known-hosts")
	if knownHostsPath == "" {
		return nil, fmt.Errorf("--known-hosts is required unless --ssh-insecure-host-key is set")
	}
	return knownhosts.New(knownHostsPath)
}

// buildSecrets constructs the tenant secrets manager from either a raw key
// file or a passphrase; exactly one of --secret-key-file/--secret-password
// is expected in a production deployment, but neither being set degrades to
// a nil manager (step 7 injects no platform credentials, per provisioner.New's doc).
func buildSecrets(flags *pflag.FlagSet) (*security.SecretsManager, error) {
	keyFile, _ := flags.GetString("secret-key-file")
	password, _ := flags.GetString("secret-password")

	switch {
	case keyFile != "":
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read secret key file: %w", err)
		}
		return security.NewSecretsManager(key)
	case password != "":
		return security.NewSecretsManagerFromPassword(password)
	default:
		return nil, nil
	}
}
