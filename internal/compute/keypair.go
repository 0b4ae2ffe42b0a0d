package compute

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

// EnsureKeyPair creates the configured key pair if it does not exist and
// writes its private key to KeyPath. An existing key pair is left alone and
// nothing is written locally.
func (p *Provisioner) EnsureKeyPair(ctx context.Context) error {
	log := clog.FromContext(ctx).With("key_name", p.opts.KeyName)

	_, err := p.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []string{p.opts.KeyName},
	})
	if err == nil {
		log.Info("key pair already exists")
		if _, statErr := os.Stat(p.opts.KeyPath); statErr != nil {
			log.Warn("private key for existing key pair is not available locally", "path", p.opts.KeyPath)
		}
		return nil
	}
	if !hasCode(err, codeKeyPairNotFound) {
		return fmt.Errorf("%w: describing %s: %w", ErrKeyPair, p.opts.KeyName, err)
	}

	// Check before creating so a stale local file does not leave an orphaned
	// key pair in AWS.
	if _, err := os.Stat(p.opts.KeyPath); err == nil {
		return fmt.Errorf("%w: %s", ErrKeyFileExists, p.opts.KeyPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrKeyFileWrite, err)
	}

	log.Info("creating key pair")
	out, err := p.client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:           aws.String(p.opts.KeyName),
		TagSpecifications: p.tagSpecification(types.ResourceTypeKeyPair, p.opts.KeyName),
	})
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrKeyPair, p.opts.KeyName, err)
	}
	if out.KeyMaterial == nil {
		return fmt.Errorf("%w: no key material returned", ErrKeyPair)
	}

	if err := writeKeyFile(p.opts.KeyPath, []byte(*out.KeyMaterial)); err != nil {
		return err
	}
	log.Info("saved private key", "path", p.opts.KeyPath)
	return nil
}

// writeKeyFile creates 'path' with mode 0600. It never truncates an existing
// file.
func writeKeyFile(path string, material []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: %w", ErrKeyFileWrite, err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrKeyFileExists, path)
		}
		return fmt.Errorf("%w: %w", ErrKeyFileWrite, err)
	}
	if _, err := f.Write(material); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %w", ErrKeyFileWrite, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyFileWrite, err)
	}
	return nil
}
