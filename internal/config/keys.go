package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/sealed/crypto"
	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/crypto/he/bfv"
	"github.com/drand/sealed/crypto/he/paillier"
)

const (
	// OracleKeyFile is the default name of the local oracle key file.
	OracleKeyFile = "oracle_keys.toml"
	// AggregateKeyFile is the default name of the aggregate public key file.
	AggregateKeyFile = "aggregate_key.toml"
	// AggregateSecretFile is the default name of the aggregate secret file.
	AggregateSecretFile = "aggregate_secret.toml"

	SchemePaillier = paillier.SchemeName
	SchemeBFV      = bfv.SchemeName
)

// OracleKeys is the key material of a local oracle: the threshold committee
// signing proofs and the key record fields are sealed to. It MUST stay
// private.
type OracleKeys struct {
	Scheme    *crypto.Scheme
	Committee *crypto.Committee
	FieldKey  kyber.Scalar
}

// ShareTOML is the TOML-able version of a committee share
type ShareTOML struct {
	Index int
	Value string
}

// OracleKeysTOML is the TOML-able version of OracleKeys
type OracleKeysTOML struct {
	Scheme    string
	Threshold int
	Commits   []string
	Shares    []ShareTOML
	FieldKey  string
}

// NewOracleKeys deals a fresh committee and field key.
func NewOracleKeys(sch *crypto.Scheme, threshold, n int) (*OracleKeys, error) {
	committee, err := sch.NewCommittee(threshold, n)
	if err != nil {
		return nil, err
	}
	fieldKey, _ := sch.NewFieldKey()
	return &OracleKeys{Scheme: sch, Committee: committee, FieldKey: fieldKey}, nil
}

// FieldPublic returns the key record fields are sealed to.
func (k *OracleKeys) FieldPublic() kyber.Point {
	return k.Scheme.KeyGroup.Point().Mul(k.FieldKey, nil)
}

// TOML returns a TOML-compatible version of the keys
func (k *OracleKeys) TOML() (*OracleKeysTOML, error) {
	t := &OracleKeysTOML{
		Scheme:    k.Scheme.Name,
		Threshold: k.Committee.Threshold,
	}
	_, commits := k.Committee.Public.Info()
	for _, c := range commits {
		h, err := crypto.PointToHex(c)
		if err != nil {
			return nil, err
		}
		t.Commits = append(t.Commits, h)
	}
	for _, s := range k.Committee.Shares {
		h, err := crypto.ScalarToHex(s.V)
		if err != nil {
			return nil, err
		}
		t.Shares = append(t.Shares, ShareTOML{Index: s.I, Value: h})
	}
	fk, err := crypto.ScalarToHex(k.FieldKey)
	if err != nil {
		return nil, err
	}
	t.FieldKey = fk
	return t, nil
}

// FromTOML initializes the keys from their TOML-compatible version
func (k *OracleKeys) FromTOML(t *OracleKeysTOML) error {
	sch, err := crypto.SchemeFromName(t.Scheme)
	if err != nil {
		return err
	}
	if t.Threshold <= 0 || t.Threshold > len(t.Shares) || len(t.Commits) != t.Threshold {
		return fmt.Errorf("inconsistent committee: threshold %d, %d shares, %d commits",
			t.Threshold, len(t.Shares), len(t.Commits))
	}
	commits := make([]kyber.Point, len(t.Commits))
	for i, c := range t.Commits {
		if commits[i], err = crypto.PointFromHex(sch.KeyGroup, c); err != nil {
			return fmt.Errorf("commit %d corrupted: %w", i, err)
		}
	}
	shares := make([]*share.PriShare, len(t.Shares))
	for i, s := range t.Shares {
		v, err := crypto.ScalarFromHex(sch.KeyGroup, s.Value)
		if err != nil {
			return fmt.Errorf("share %d corrupted: %w", i, err)
		}
		shares[i] = &share.PriShare{I: s.Index, V: v}
	}
	fieldKey, err := crypto.ScalarFromHex(sch.KeyGroup, t.FieldKey)
	if err != nil {
		return fmt.Errorf("field key corrupted: %w", err)
	}

	k.Scheme = sch
	k.Committee = &crypto.Committee{
		Threshold: t.Threshold,
		Shares:    shares,
		Public:    share.NewPubPoly(sch.KeyGroup, sch.KeyGroup.Point().Base(), commits),
	}
	k.FieldKey = fieldKey
	return nil
}

// SaveOracleKeys writes the keys to p, readable by the owner only.
func SaveOracleKeys(p string, k *OracleKeys) error {
	t, err := k.TOML()
	if err != nil {
		return err
	}
	return writeTOML(p, t)
}

// LoadOracleKeys reads keys written by SaveOracleKeys.
func LoadOracleKeys(p string) (*OracleKeys, error) {
	t := new(OracleKeysTOML)
	if err := readTOML(p, t); err != nil {
		return nil, err
	}
	k := new(OracleKeys)
	if err := k.FromTOML(t); err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return k, nil
}

// AggregateKeyTOML is the public key of the aggregate scheme.
type AggregateKeyTOML struct {
	Scheme    string
	PublicKey string
}

// AggregateSecretTOML is the secret side of the aggregate scheme, for the
// decrypting party. The daemon never reads it.
type AggregateSecretTOML struct {
	Scheme string
	Shares []string
}

// GenerateAggregateKeys creates a key pair for scheme. Paillier keys are
// split into parties shares, threshold of which decrypt.
func GenerateAggregateKeys(scheme string, bitSize int, threshold, parties uint8) (*AggregateKeyTOML, *AggregateSecretTOML, error) {
	switch scheme {
	case SchemePaillier:
		shares, pk, err := paillier.GenerateKeys(bitSize, threshold, parties)
		if err != nil {
			return nil, nil, err
		}
		buff, err := paillier.MarshalPublicKey(pk)
		if err != nil {
			return nil, nil, err
		}
		secret := &AggregateSecretTOML{Scheme: scheme}
		for _, s := range shares {
			sb, err := json.Marshal(s)
			if err != nil {
				return nil, nil, err
			}
			secret.Shares = append(secret.Shares, hex.EncodeToString(sb))
		}
		return &AggregateKeyTOML{Scheme: scheme, PublicKey: hex.EncodeToString(buff)}, secret, nil
	case SchemeBFV:
		sk, pk := bfv.GenerateKeys(bfv.DefaultParameters())
		buff, err := bfv.MarshalPublicKey(pk)
		if err != nil {
			return nil, nil, err
		}
		sb, err := sk.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		return &AggregateKeyTOML{Scheme: scheme, PublicKey: hex.EncodeToString(buff)},
			&AggregateSecretTOML{Scheme: scheme, Shares: []string{hex.EncodeToString(sb)}}, nil
	default:
		return nil, nil, fmt.Errorf("no keys to generate for scheme %q", scheme)
	}
}

// SaveAggregateKeys writes the public key to pub and the secret to secret.
func SaveAggregateKeys(pub, secret string, k *AggregateKeyTOML, s *AggregateSecretTOML) error {
	if err := writeTOML(pub, k); err != nil {
		return err
	}
	return writeTOML(secret, s)
}

// AggregateScheme builds the homomorphic scheme the configuration names.
func (c *Config) AggregateScheme() (he.Scheme, error) {
	if c.Aggregate.Scheme == he.ClearSchemeName {
		return he.NewClear(), nil
	}
	t := new(AggregateKeyTOML)
	if err := readTOML(c.Aggregate.KeyFile, t); err != nil {
		return nil, err
	}
	if t.Scheme != c.Aggregate.Scheme {
		return nil, fmt.Errorf("%s holds a %s key, configuration asks for %s", c.Aggregate.KeyFile, t.Scheme, c.Aggregate.Scheme)
	}
	buff, err := hex.DecodeString(t.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("aggregate key corrupted: %w", err)
	}
	switch t.Scheme {
	case SchemePaillier:
		pk, err := paillier.UnmarshalPublicKey(buff)
		if err != nil {
			return nil, err
		}
		return paillier.New(pk)
	case SchemeBFV:
		params := bfv.DefaultParameters()
		pk, err := bfv.UnmarshalPublicKey(params, buff)
		if err != nil {
			return nil, err
		}
		return bfv.New(params, pk)
	default:
		return nil, fmt.Errorf("unknown aggregate scheme %q", t.Scheme)
	}
}

// OracleKey returns the scheme and key proofs verify against: from the local
// key file, or from the configured hex key for a remote oracle.
func (c *Config) OracleKey() (*crypto.Scheme, kyber.Point, error) {
	if c.Oracle.Mode == OracleLocal {
		k, err := LoadOracleKeys(c.Oracle.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		return k.Scheme, k.Committee.Key(), nil
	}
	sch, err := crypto.SchemeFromName(c.Oracle.ProofScheme)
	if err != nil {
		return nil, nil, err
	}
	p, err := crypto.PointFromHex(sch.KeyGroup, c.Oracle.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle public key corrupted: %w", err)
	}
	return sch, p, nil
}

func writeTOML(p string, v interface{}) error {
	fd, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(v)
}

func readTOML(p string, v interface{}) error {
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoKeyFile, p)
	}
	_, err := toml.DecodeFile(p, v)
	return err
}
