package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"latticenode/core"
	"latticenode/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "synnergy", Short: "lattice node operator CLI"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(walletCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "run and bootstrap a lattice node"}
	cmd.AddCommand(nodeStartCmd())
	cmd.AddCommand(nodeGenesisCmd())
	return cmd
}

func nodeStartCmd() *cobra.Command {
	var env, seedHex string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "load configuration and run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			params := paramsFromConfig(cfg)

			logger := log.New()
			if lvl, err := log.ParseLevel(cfg.Logging.Level); err == nil {
				logger.SetLevel(lvl)
			}

			wallet, err := loadIdentity(seedHex, logger)
			if err != nil {
				return fmt.Errorf("load node identity: %w", err)
			}
			account, err := wallet.Account(0, 0)
			if err != nil {
				return fmt.Errorf("derive node account: %w", err)
			}
			signer, _, err := wallet.PrivateKey(0, 0)
			if err != nil {
				return fmt.Errorf("derive node signing key: %w", err)
			}

			observer := core.Observer{
				OnBlockApplied: func(b *core.Block, result core.ProcessResult) {
					logger.WithFields(log.Fields{
						"code":    result.Code,
						"account": b.Account.Short(),
					}).Debug("block processed")
				},
				OnStarted: func() {
					logger.WithField("account", account.Short()).Info("node started")
				},
			}

			node, err := core.NewLatticeNode(params, account, signer, cfg.Network.BootstrapPeers, observer, logger)
			if err != nil {
				return fmt.Errorf("construct node: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			node.Start(ctx)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logger.Info("shutting down")
			cancel()
			node.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay to merge onto default.yaml (e.g. testnet)")
	cmd.Flags().StringVar(&seedHex, "identity-seed", "", "hex-encoded seed for this node's HD wallet identity; random if omitted")
	return cmd
}

func nodeGenesisCmd() *cobra.Command {
	var network, storePath, seedHex string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "write a fresh genesis account and block for a named network",
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := loadIdentity(seedHex, nil)
			if err != nil {
				return fmt.Errorf("load genesis identity: %w", err)
			}
			priv, pub, err := wallet.PrivateKey(0, 0)
			if err != nil {
				return fmt.Errorf("derive genesis key: %w", err)
			}

			genesis, err := core.NewGenesis(network, pub, priv)
			if err != nil {
				return fmt.Errorf("build genesis: %w", err)
			}

			store, err := core.OpenStore(storePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			hash, err := genesis.Initialize(store)
			if err != nil {
				return fmt.Errorf("initialize genesis: %w", err)
			}

			fmt.Printf("network:  %s\n", genesis.Network)
			fmt.Printf("account:  %s\n", genesis.Account)
			fmt.Printf("block:    %s\n", hash.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "mainnet", "network name baked into the genesis document")
	cmd.Flags().StringVar(&storePath, "store", "data/blocks.db", "block store path to initialize")
	cmd.Flags().StringVar(&seedHex, "identity-seed", "", "hex-encoded seed for the genesis account's HD wallet; random if omitted")
	return cmd
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "offline wallet utilities"}
	cmd.AddCommand(walletNewCmd())
	return cmd
}

func walletNewCmd() *cobra.Command {
	var entropyBits int
	cmd := &cobra.Command{
		Use:   "new",
		Short: "generate a fresh mnemonic and print its account address",
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, mnemonic, err := core.NewRandomWallet(entropyBits)
			if err != nil {
				return fmt.Errorf("generate wallet: %w", err)
			}
			account, err := wallet.Account(0, 0)
			if err != nil {
				return fmt.Errorf("derive account: %w", err)
			}
			fmt.Printf("mnemonic: %s\n", mnemonic)
			fmt.Printf("account:  %s\n", core.EncodeAccount(account))
			return nil
		},
	}
	cmd.Flags().IntVar(&entropyBits, "entropy", 256, "mnemonic entropy in bits (128-256)")
	return cmd
}

// loadIdentity builds an HD wallet from an explicit hex seed, falling back to
// a freshly generated mnemonic when none is supplied — fine for devnets and
// throwaway genesis accounts, but an operator running a real witness should
// always pin --identity-seed to something persisted offline.
func loadIdentity(seedHex string, logger *log.Logger) (*core.HDWallet, error) {
	if seedHex == "" {
		wallet, mnemonic, err := core.NewRandomWallet(256)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "generated new identity, save this mnemonic: %s\n", mnemonic)
		return wallet, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode identity seed: %w", err)
	}
	return core.NewHDWalletFromSeed(seed, logger)
}

// paramsFromConfig adapts the process-level config.Config (viper/YAML shaped)
// onto core.NetworkParams. It lives here, not in pkg/config, so that package
// never needs to import core.
func paramsFromConfig(cfg *config.Config) core.NetworkParams {
	params := core.DefaultNetworkParams()

	if len(cfg.Network.Magic) == 2 {
		params.NetworkMagic = [2]byte{cfg.Network.Magic[0], cfg.Network.Magic[1]}
	}
	if cfg.Network.ListenAddr != "" {
		params.ListenAddr = cfg.Network.ListenAddr
	}
	if cfg.Network.BootstrapListenAddr != "" {
		params.BootstrapListenAddr = cfg.Network.BootstrapListenAddr
	}
	if cfg.Network.PeerMaxPerIP > 0 {
		params.PeerMaxPerIP = cfg.Network.PeerMaxPerIP
	}
	if cfg.Network.PeerTableSize > 0 {
		params.PeerTableSize = cfg.Network.PeerTableSize
	}

	if cfg.Consensus.QuorumFraction > 0 {
		params.QuorumFraction = cfg.Consensus.QuorumFraction
	}
	if cfg.Consensus.CommitteeQuorumNumerator > 0 {
		params.CommitteeQuorumNumerator = cfg.Consensus.CommitteeQuorumNumerator
	}
	if cfg.Consensus.CommitteeQuorumDenominator > 0 {
		params.CommitteeQuorumDenominator = cfg.Consensus.CommitteeQuorumDenominator
	}
	if cfg.Consensus.WarmupRounds > 0 {
		params.WarmupRounds = cfg.Consensus.WarmupRounds
	}
	if cfg.Consensus.CooldownEpochs > 0 {
		params.CooldownEpochs = cfg.Consensus.CooldownEpochs
	}
	if cfg.Consensus.TopCandidateCount > 0 {
		params.TopCandidateCount = cfg.Consensus.TopCandidateCount
	}
	if cfg.Consensus.WitnessCount > 0 {
		params.WitnessCount = cfg.Consensus.WitnessCount
	}
	if cfg.Consensus.ElectionAgeOutRounds > 0 {
		params.ElectionAgeOutRounds = cfg.Consensus.ElectionAgeOutRounds
	}

	if cfg.Storage.BlockStorePath != "" {
		params.BlockStorePath = cfg.Storage.BlockStorePath
	}
	if cfg.Storage.EpochStorePath != "" {
		params.EpochStorePath = cfg.Storage.EpochStorePath
	}

	return params
}
