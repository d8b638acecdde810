package streaming

import (
	"crypto/dsa"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// datFileSuffix names the local-destination identity files a registry
// loads from its data directory, matching the original implementation's
// on-disk local destination format.
const datFileSuffix = ".dat"

// datFileLength is the size of a serialized local destination: the
// canonical identity followed by the private DSA scalar X, itself
// padded to the shared domain's 20-byte q size. The public DSA
// parameters and Y are not stored: Y already lives inside the
// identity's signing key slot, and P/Q/G are process-wide, produced by
// sharedDSADomain.
const datFileLength = IdentityLength + dsaParameterSize

// marshalLocalDestination serializes signer's identity and private key
// into the flat .dat format.
func marshalLocalDestination(signer *DSASigner) []byte {
	buf := make([]byte, 0, datFileLength)
	buf = append(buf, signer.identity.Marshal()...)
	var xBuf [dsaParameterSize]byte
	putPadded(xBuf[:], signer.priv.X)
	buf = append(buf, xBuf[:]...)
	return buf
}

// unmarshalLocalDestination parses the flat .dat format back into a
// DSASigner, reconstructing the DSA private key against the process's
// shared domain parameters and the public Y already carried in the
// identity.
func unmarshalLocalDestination(data []byte) (*DSASigner, error) {
	if len(data) < datFileLength {
		return nil, fmt.Errorf("local destination file too short: got %d bytes, need %d", len(data), datFileLength)
	}

	id, err := UnmarshalIdentity(data[:IdentityLength])
	if err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}

	params, err := sharedDSADomain()
	if err != nil {
		return nil, fmt.Errorf("shared DSA domain: %w", err)
	}

	x := new(big.Int).SetBytes(data[IdentityLength:datFileLength])
	y := new(big.Int).SetBytes(id.SigningPublicKey[:])

	priv := &dsa.PrivateKey{
		PublicKey: dsa.PublicKey{
			Parameters: params,
			Y:          y,
		},
		X: x,
	}

	return &DSASigner{priv: priv, identity: id}, nil
}

// SaveLocalDestination writes signer's identity and private key to
// path in the flat .dat format, creating or truncating the file.
func SaveLocalDestination(signer *DSASigner, path string) error {
	if err := os.WriteFile(path, marshalLocalDestination(signer), 0600); err != nil {
		return fmt.Errorf("save local destination %s: %w", path, err)
	}
	return nil
}

// LoadLocalDestination reads a single .dat file back into a DSASigner.
func LoadLocalDestination(path string) (*DSASigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load local destination %s: %w", path, err)
	}
	signer, err := unmarshalLocalDestination(data)
	if err != nil {
		return nil, fmt.Errorf("load local destination %s: %w", path, err)
	}
	return signer, nil
}

// loadLocalDestinations scans the registry's configured data directory
// for .dat files and registers a destination for each. Missing or
// empty directories are not an error: a registry may run with only
// its shared, freshly generated destination.
func (r *StreamingRegistry) loadLocalDestinations() error {
	if r.config == nil || r.config.DataDir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.config.DataDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read data directory %s: %w", r.config.DataDir, err)
	}

	var errs *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), datFileSuffix) {
			continue
		}
		path := filepath.Join(r.config.DataDir, entry.Name())
		if err := r.loadLocalDestinationFile(path); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// loadLocalDestinationFile loads a single .dat file and registers it.
func (r *StreamingRegistry) loadLocalDestinationFile(path string) error {
	signer, err := LoadLocalDestination(path)
	if err != nil {
		return err
	}
	if _, err := r.AddLocalDestination(signer); err != nil {
		return fmt.Errorf("register local destination %s: %w", path, err)
	}
	r.recordEvent("loaded local destination from %s: %s", path, signer.identity.Hash())
	log.Info().Str("path", path).Str("destination", signer.identity.Hash().String()).Msg("loaded local destination")
	return nil
}

// watchDataDir starts an fsnotify watch on the registry's data
// directory so .dat files dropped in after startup (e.g. by an
// operator provisioning a new destination) are picked up without a
// restart.
func (r *StreamingRegistry) watchDataDir() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch data directory: new watcher: %w", err)
	}
	if err := watcher.Add(r.config.DataDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch data directory %s: %w", r.config.DataDir, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if !strings.HasSuffix(event.Name, datFileSuffix) {
					continue
				}
				if err := r.loadLocalDestinationFile(event.Name); err != nil {
					log.Error().Err(err).Str("path", event.Name).Msg("failed to load newly appeared local destination")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("data directory watch error")
			}
		}
	}()

	return nil
}
