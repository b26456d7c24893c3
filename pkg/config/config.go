// Package config provides a reusable viper-backed loader for lattice node
// configuration files and environment variables.
//
// Version: v0.2.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"latticenode/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config is the unified configuration for a node process. It mirrors the
// structure of the YAML files under cmd/config and maps directly onto
// core.NetworkParams plus the process-level concerns (logging, CLI) that
// core itself has no business knowing about. Network.NATEnabled has no
// NetworkParams counterpart and nothing reads it.
type Config struct {
	Network struct {
		Magic               string `mapstructure:"magic" json:"magic"` // two ASCII bytes, e.g. "NT"
		ListenAddr          string `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapListenAddr string `mapstructure:"bootstrap_listen_addr" json:"bootstrap_listen_addr"`
		PeerMaxPerIP        int    `mapstructure:"peer_max_per_ip" json:"peer_max_per_ip"`
		PeerTableSize       int    `mapstructure:"peer_table_size" json:"peer_table_size"`
		BootstrapPeers      []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		NATEnabled          bool   `mapstructure:"nat_enabled" json:"nat_enabled"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		QuorumFraction             float64 `mapstructure:"quorum_fraction" json:"quorum_fraction"`
		CommitteeQuorumNumerator   int     `mapstructure:"committee_quorum_numerator" json:"committee_quorum_numerator"`
		CommitteeQuorumDenominator int     `mapstructure:"committee_quorum_denominator" json:"committee_quorum_denominator"`
		WarmupRounds               int     `mapstructure:"warmup_rounds" json:"warmup_rounds"`
		CooldownEpochs             int     `mapstructure:"cooldown_epochs" json:"cooldown_epochs"`
		TopCandidateCount          int     `mapstructure:"top_candidate_count" json:"top_candidate_count"`
		WitnessCount               int     `mapstructure:"witness_count" json:"witness_count"`
		ElectionAgeOutRounds       int     `mapstructure:"election_age_out_rounds" json:"election_age_out_rounds"`
	} `mapstructure:"consensus" json:"consensus"`

	Storage struct {
		BlockStorePath string `mapstructure:"block_store_path" json:"block_store_path"`
		EpochStorePath string `mapstructure:"epoch_store_path" json:"epoch_store_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("LATTICE")
	viper.AutomaticEnv() // picks up LATTICE_-prefixed overrides

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LATTICE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LATTICE_ENV", ""))
}
