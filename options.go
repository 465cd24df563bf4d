package secvault

import (
	"github.com/rs/zerolog"
)

// DeviceKeyConfig names the device-key namespace: (dbName, storeName,
// keyId). Mirrors spec.md §6's idbConfig.{dbName,storeName,keyId}.
type DeviceKeyConfig struct {
	DBName    string
	StoreName string
	KeyID     string
}

// Options configures a Store. There is no environment-variable or CLI
// binding: spec.md's External Interfaces section is explicit that the
// library has neither, so options are always supplied by the embedding Go
// program as a struct literal.
type Options struct {
	// StorageKey is the KV slot name and the AAD root for store-context
	// bundles. Defaults to "secvault" if empty.
	StorageKey string

	// DeviceKeyConfig namespaces the device-bound KEK. An empty KeyID
	// defaults to a stable literal, not a generated one: the namespace
	// (DBName, StoreName, KeyID) must resolve to the same string across
	// process restarts and across facade instances over the same backend,
	// or devicekeys.GetKey can never find the record it persisted last time.
	DeviceKeyConfig DeviceKeyConfig

	// Logger receives structured events: reset reasons, mode transitions,
	// rotations, import/export outcomes. Never plaintext payload contents
	// or key material. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.StorageKey == "" {
		o.StorageKey = "secvault"
	}
	if o.DeviceKeyConfig.DBName == "" {
		o.DeviceKeyConfig.DBName = "secvault"
	}
	if o.DeviceKeyConfig.StoreName == "" {
		o.DeviceKeyConfig.StoreName = "device-keys"
	}
	if o.DeviceKeyConfig.KeyID == "" {
		o.DeviceKeyConfig.KeyID = "default"
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}
