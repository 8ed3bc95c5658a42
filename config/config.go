// Package config reads the service configuration from an optional JSON file
// and then applies OS environment overrides (HL_ prefix, ie. HL_PORT,
// HL_WALLET_TYPE, ...). The Fabric network topology lives in a separate
// connection profile document loaded by the gateway package.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Default configuration values, suitable for a local development network.
var (
	PortDefault              = "3000"
	ProfilePathDefault       = "./connection-profile.json"
	GatewayIdentityDefault   = "appUser"
	WalletTypeDefault        = "file"
	WalletPathDefault        = "./wallet_data"
	WalletPasswordDefault    = "default_master_password"
	JobsPathDefault          = "./jobs_data"
	JobWorkersDefault        = 4
	JobBufferDefault         = 64
	JobRetentionDefault      = "24h"
	JobPollGraceDefault      = "5m"
	HistoryFunctionDefault   = "GetAssetHistory"
	ListFunctionDefault      = "GetAllAssets"
	RichQueryFunctionDefault = "QueryAssets"
)

// Config contains every tunable of the service.
type Config struct {
	Port            string `json:"port"`
	ProfilePath     string `json:"profilePath"`
	GatewayIdentity string `json:"gatewayIdentity"` // wallet id the process connects as
	Chaincode       string `json:"chaincode"`       // optional override of the profile default

	WalletType     string `json:"walletType"` // "file" or "badger"
	WalletPath     string `json:"walletPath"`
	WalletPassword string `json:"walletPassword"`

	JobsPath     string `json:"jobsPath"`
	JobWorkers   int    `json:"jobWorkers"`
	JobBuffer    int    `json:"jobBuffer"`
	JobRetention string `json:"jobRetention"` // terminal job retention, Go duration string
	JobPollGrace string `json:"jobPollGrace"` // retention after a terminal job has been polled

	AuditDSN string `json:"auditDsn"` // PostgreSQL DSN; empty disables the audit trail

	CAURL           string `json:"caUrl"`
	CAName          string `json:"caName"`
	CASkipTLSVerify bool   `json:"caSkipTlsVerify"`

	// Chaincode functions backing the history/assets endpoints.
	HistoryFunction   string `json:"historyFunction"`
	ListFunction      string `json:"listFunction"`
	RichQueryFunction string `json:"richQueryFunction"`
}

// Load reads the given JSON file (skipped when filename is empty) and returns
// the configuration with environment overrides applied on top.
func Load(filename string) (Config, error) {
	conf := Config{
		Port:              PortDefault,
		ProfilePath:       ProfilePathDefault,
		GatewayIdentity:   GatewayIdentityDefault,
		WalletType:        WalletTypeDefault,
		WalletPath:        WalletPathDefault,
		WalletPassword:    WalletPasswordDefault,
		JobsPath:          JobsPathDefault,
		JobWorkers:        JobWorkersDefault,
		JobBuffer:         JobBufferDefault,
		JobRetention:      JobRetentionDefault,
		JobPollGrace:      JobPollGraceDefault,
		HistoryFunction:   HistoryFunctionDefault,
		ListFunction:      ListFunctionDefault,
		RichQueryFunction: RichQueryFunctionDefault,
	}

	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return conf, err
		}
		defer file.Close()
		if err = json.NewDecoder(file).Decode(&conf); err != nil {
			return conf, err
		}
	}

	var tmp string
	if tmp = os.Getenv("HL_PORT"); tmp != "" {
		conf.Port = tmp
	}
	if tmp = os.Getenv("HL_PROFILE_PATH"); tmp != "" {
		conf.ProfilePath = tmp
	}
	if tmp = os.Getenv("HL_GATEWAY_IDENTITY"); tmp != "" {
		conf.GatewayIdentity = tmp
	}
	if tmp = os.Getenv("HL_CHAINCODE"); tmp != "" {
		conf.Chaincode = tmp
	}
	if tmp = os.Getenv("HL_WALLET_TYPE"); tmp != "" {
		conf.WalletType = tmp
	}
	if tmp = os.Getenv("HL_WALLET_PATH"); tmp != "" {
		conf.WalletPath = tmp
	}
	if tmp = os.Getenv("HL_WALLET_PASSWORD"); tmp != "" {
		conf.WalletPassword = tmp
	}
	if tmp = os.Getenv("HL_JOBS_PATH"); tmp != "" {
		conf.JobsPath = tmp
	}
	if tmp = os.Getenv("HL_JOB_WORKERS"); tmp != "" {
		if n, err := strconv.Atoi(tmp); err == nil && n > 0 {
			conf.JobWorkers = n
		}
	}
	if tmp = os.Getenv("HL_JOB_BUFFER"); tmp != "" {
		if n, err := strconv.Atoi(tmp); err == nil && n > 0 {
			conf.JobBuffer = n
		}
	}
	if tmp = os.Getenv("HL_JOB_RETENTION"); tmp != "" {
		conf.JobRetention = tmp
	}
	if tmp = os.Getenv("HL_JOB_POLL_GRACE"); tmp != "" {
		conf.JobPollGrace = tmp
	}
	if tmp = os.Getenv("HL_AUDIT_DSN"); tmp != "" {
		conf.AuditDSN = tmp
	}
	if tmp = os.Getenv("HL_CA_URL"); tmp != "" {
		conf.CAURL = tmp
	}
	if tmp = os.Getenv("HL_CA_NAME"); tmp != "" {
		conf.CAName = tmp
	}
	if tmp = os.Getenv("HL_CA_SKIP_TLS_VERIFY"); tmp != "" {
		conf.CASkipTLSVerify = tmp == "true" || tmp == "1"
	}
	if tmp = os.Getenv("HL_HISTORY_FUNCTION"); tmp != "" {
		conf.HistoryFunction = tmp
	}
	if tmp = os.Getenv("HL_LIST_FUNCTION"); tmp != "" {
		conf.ListFunction = tmp
	}
	if tmp = os.Getenv("HL_RICH_QUERY_FUNCTION"); tmp != "" {
		conf.RichQueryFunction = tmp
	}

	return conf, nil
}

// Duration parses a Go duration string, falling back when empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
