package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"golang.org/x/xerrors"
)

// FromFile loads a TOML config over the defaults. A missing file is not an
// error; the defaults stand.
func FromFile(path string) (*TrafficNode, error) {
	cfg := DefaultTrafficNode()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, xerrors.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Variable names follow
// the historical deployment: PINATA_JWT, BLOCKDAG_RPC_URL and friends. When
// envFile names an existing dotenv file it is loaded first, without
// clobbering variables already set in the process environment.
func ApplyEnv(cfg *TrafficNode, envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return xerrors.Errorf("loading env file %s: %w", envFile, err)
			}
		}
	}

	setString(&cfg.API.ListenAddress, "API_LISTEN")
	if host, port := os.Getenv("API_HOST"), os.Getenv("API_PORT"); host != "" && port != "" {
		cfg.API.ListenAddress = host + ":" + port
	}

	setString(&cfg.Pinata.APIURL, "IPFS_API_URL")
	setString(&cfg.Pinata.GatewayURL, "PINATA_URL")
	setString(&cfg.Pinata.JWT, "PINATA_JWT")

	setString(&cfg.Ledger.RPCURL, "BLOCKDAG_RPC_URL")
	setString(&cfg.Ledger.ContractAddress, "BLOCKDAG_CONTRACT_ADDRESS")
	setString(&cfg.Ledger.PrivateKey, "BLOCKDAG_PRIVATE_KEY")
	if v := os.Getenv("BLOCKDAG_CHAIN_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return xerrors.Errorf("BLOCKDAG_CHAIN_ID %q is not an integer: %w", v, err)
		}
		cfg.Ledger.ChainID = id
	}
	return nil
}

// Validate checks that everything a node with real backends needs is there.
func (cfg *TrafficNode) Validate() error {
	if cfg.Pinata.JWT == "" {
		return xerrors.New("config: Pinata.JWT is required (PINATA_JWT)")
	}
	if cfg.Ledger.PrivateKey == "" {
		return xerrors.New("config: Ledger.PrivateKey is required (BLOCKDAG_PRIVATE_KEY)")
	}
	if cfg.Ledger.ContractAddress == "" {
		return xerrors.New("config: Ledger.ContractAddress is required (BLOCKDAG_CONTRACT_ADDRESS)")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
