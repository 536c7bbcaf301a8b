package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/BTCparadigm/IMMORTAN"
	"github.com/lightningnetwork/lnd/lnwire"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// Lnd contains the configuration of the nodes.
	Lnd LndConfig `yaml:"lnd"`

	// DB contains the database config.
	DB DbConfig `yaml:"db"`

	// Logging configures the daemon logger.
	Logging LoggingConfig `yaml:"logging"`

	// IdentityKey is the private key that is used for onion decoding and
	// invoice signing.
	IdentityKey string `yaml:"identityKey"`

	// Trampoline contains the relay policy this node advertises.
	Trampoline TrampolineConfig `yaml:"trampoline"`

	// ReceiveGracePeriod defines for how long incomplete mpp sets are
	// held.
	ReceiveGracePeriod time.Duration `yaml:"receiveGracePeriod"`

	// FinalCltvRejectDelta defines the number of blocks before htlc
	// expiry where we no longer settle as an exit hop.
	FinalCltvRejectDelta uint32 `yaml:"finalCltvRejectDelta"`

	// SnapshotInterval defines how often the in-flight snapshot is
	// published.
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`

	InstrumentationAddress string `yaml:"instrumentationAddress"`

	DistributedLock DistributedLockConfig `yaml:"distributedLock"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	WithCaller bool   `yaml:"withCaller"`
}

type TrampolineConfig struct {
	BaseFeeMsat               int64   `yaml:"baseFeeMsat"`
	FeeProportionalMillionths uint64  `yaml:"feeProportionalMillionths"`
	Exponent                  float64 `yaml:"exponent"`
	LogExponentFactor         float64 `yaml:"logExponentFactor"`
	CltvDelta                 uint32  `yaml:"cltvDelta"`
	MinimumHtlcMsat           int64   `yaml:"minimumHtlcMsat"`
}

func (t *TrampolineConfig) Policy() immortan.TrampolinePolicy {
	return immortan.TrampolinePolicy{
		BaseFeeMsat:               lnwire.MilliSatoshi(t.BaseFeeMsat),
		FeeProportionalMillionths: t.FeeProportionalMillionths,
		Exponent:                  t.Exponent,
		LogExponentFactor:         t.LogExponentFactor,
		CltvDelta:                 t.CltvDelta,
		MinimumHtlcMsat:           lnwire.MilliSatoshi(t.MinimumHtlcMsat),
	}
}

type DistributedLockConfig struct {
	// Namespace is the kubernetes namespace holding the lease object.
	Namespace string `yaml:"namespace"`

	// Name is the name of the lease object.
	Name string `yaml:"name"`

	// ID identifies this instance in the lease. A random id is generated
	// in dev mode when empty.
	ID string `yaml:"id"`

	// DevKubeConfig optionally points at a local kube config for
	// development.
	DevKubeConfig string `yaml:"devKubeConfig"`
}

func (c *Config) GetIdentityKey() ([32]byte, error) {
	keySlice, err := hex.DecodeString(c.IdentityKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid identity key: %v", err)
	}
	if len(keySlice) != 32 {
		return [32]byte{}, errors.New("invalid identity key length")
	}

	var key [32]byte
	copy(key[:], keySlice)

	return key, nil
}

type LndConfig struct {
	// PubKey is the public key of this node.
	PubKey string `yaml:"pubKey"`

	// MacaroonPath is the disk path to the node's macaroon file.
	MacaroonPath string `yaml:"macaroonPath"`

	// TlsCertPath is the disk path to the node's TLS certificate file.
	TlsCertPath string `yaml:"tlsCertPath"`

	// LndUrl is the URL and port pointing to the node.
	LndUrl string `yaml:"lndUrl"`

	// Network is the bitcoin network that the node is running on.
	// Options: mainnet, testnet, regtest.
	Network string `yaml:"network"`

	// Timeout is a generic time limit waiting for calls to lnd to
	// complete.
	Timeout time.Duration `yaml:"timeout"`
}

type DbConfig struct {
	// DSN is the connection string for the database.
	DSN string `yaml:"dsn"`

	// Maximum number of socket connections.
	// Default is 10 connections per every CPU as reported by runtime.NumCPU.
	PoolSize int `yaml:"poolSize"`

	// Minimum number of idle connections which is useful when establishing
	// new connection is slow.
	MinIdleConns int `yaml:"minIdleConns"`

	// Connection age at which client retires (closes) the connection.
	// It is useful with proxies like PgBouncer and HAProxy.
	// Default is to not close aged connections.
	MaxConnAge time.Duration `yaml:"maxConnAge"`
}

func loadConfig(filename string) (*Config, error) {
	yamlFile, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.UnmarshalStrict(yamlFile, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
