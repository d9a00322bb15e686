package config

import "time"

// Default configuration values.
const (
	DefaultBindAddress           = "0.0.0.0:67"
	DefaultReplyPort             = 68
	DefaultLogLevel              = "info"
	DefaultPollInterval          = 1 * time.Second
	DefaultMaxDiscoversPerSecond = 100
	DefaultMaxPerMACPerSecond    = 5
	DefaultInventoryDB           = "/var/lib/invdhcpd/inventory.db"
	DefaultCacheTTL              = 60 * time.Second
	DefaultCacheSize             = 4096
	DefaultLeaseTime             = 3600 * time.Second
	DefaultRenewalTime           = 1600 * time.Second
	DefaultManagementVendorClass = "udhcp 0.9.9-pre"
	DefaultPrimaryPort           = "nic-eth"
	DefaultPortNumber            = 1
	DefaultAPIListen             = "127.0.0.1:8067"
)
