// Command import_identity loads enrollment credentials into the service
// wallet, either from a Fabric MSP directory (signcerts/ + keystore/, the
// layout cryptogen and fabric-ca-client produce) or from explicit PEM files.
// The gateway identity must exist in the wallet before the service can
// connect as it; this is the offline alternative to /identities/enroll.
//
// Wallet location and master password come from the regular service
// configuration (HL_CONFIG / HL_WALLET_* environment).
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"healthlink-api/config"
	"healthlink-api/wallet"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("HL_CONFIG"), "service configuration file")
		id         = flag.String("id", "", "wallet id to store the identity under")
		mspID      = flag.String("msp-id", "", "MSP id of the owning organization")
		idType     = flag.String("type", "client", "identity type (client, admin, peer)")
		mspDir     = flag.String("msp", "", "MSP directory holding signcerts/ and keystore/")
		certFile   = flag.String("cert", "", "certificate PEM file (alternative to -msp)")
		keyFile    = flag.String("key", "", "private key PEM file (alternative to -msp)")
	)
	flag.Parse()

	if *id == "" || *mspID == "" {
		fail("both -id and -msp-id are required")
	}

	certPEM, keyPEM, err := credentials(*mspDir, *certFile, *keyFile)
	if err != nil {
		fail("read credentials: %v", err)
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		fail("load configuration: %v", err)
	}

	store, err := wallet.New(conf.WalletType, conf.WalletPath, conf.WalletPassword)
	if err != nil {
		fail("open wallet: %v", err)
	}
	defer store.Close()

	ident := wallet.NewIdentity(*id, *mspID, *idType, certPEM, keyPEM)
	if err := ident.Validate(); err != nil {
		fail("credentials are unusable: %v", err)
	}
	if err := store.Put(ident); err != nil {
		fail("store identity: %v", err)
	}

	fmt.Printf("Stored %s (%s) in the %s wallet at %s\n", *id, *mspID, conf.WalletType, conf.WalletPath)
}

func credentials(mspDir, certFile, keyFile string) (certPEM, keyPEM []byte, err error) {
	if mspDir != "" {
		if certPEM, err = readFirstFile(filepath.Join(mspDir, "signcerts")); err != nil {
			return nil, nil, err
		}
		if keyPEM, err = readFirstFile(filepath.Join(mspDir, "keystore")); err != nil {
			return nil, nil, err
		}
		return certPEM, keyPEM, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, nil, fmt.Errorf("pass either -msp or both -cert and -key")
	}
	if certPEM, err = os.ReadFile(certFile); err != nil {
		return nil, nil, err
	}
	if keyPEM, err = os.ReadFile(keyFile); err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

// readFirstFile returns the contents of the lexically first regular file in
// the directory. Fabric MSP folders hold exactly one file whose name is not
// predictable (keystore keys are named after the key hash).
func readFirstFile(dirPath string) ([]byte, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return os.ReadFile(filepath.Join(dirPath, entry.Name()))
		}
	}
	return nil, fmt.Errorf("no files in %s", dirPath)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
