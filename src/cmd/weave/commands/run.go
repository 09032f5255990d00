package commands

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/purpleprotocol/weave/src/crypto/keys"
	"github.com/purpleprotocol/weave/src/execution"
	"github.com/purpleprotocol/weave/src/itc"
	"github.com/purpleprotocol/weave/src/ledger"
	"github.com/purpleprotocol/weave/src/node"
	"github.com/purpleprotocol/weave/src/service"
)

// NewRunCmd returns the command that starts a weave node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runWeave,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runWeave(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	simpleKeyfile := keys.NewSimpleKeyfile(_config.Keyfile())

	key, err := simpleKeyfile.ReadKey()
	if err != nil {
		return fmt.Errorf("Reading private key %s: %v", _config.Keyfile(), err)
	}

	_config.Key = key

	var store ledger.Store
	if _config.Store {
		store, err = ledger.NewBadgerStore(_config.CacheSize, _config.DatabaseDir)
		if err != nil {
			return fmt.Errorf("Opening database %s: %v", _config.DatabaseDir, err)
		}
	} else {
		store = ledger.NewInmemStore(_config.CacheSize)
	}

	validator := node.NewValidator(key, _config.Moniker)

	n := node.NewNode(_config, validator, itc.Seed(), store,
		execution.NewInmemExecutor())

	if err := n.Init(); err != nil {
		logger.Error("Cannot initialize node:", err)
		return err
	}

	if !_config.NoService {
		serviceServer := service.NewService(_config.ServiceAddr, n, logger)
		go serviceServer.Serve()
	}

	n.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Bool("bootstrap", _config.Bootstrap, "Load from database")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")

	// Ledger configuration
	cmd.Flags().Int("pending-limit", _config.PendingLimit, "Max number of events waiting for parents")
	cmd.Flags().Int("max-candidate-age", _config.MaxCandidateAge, "Passes before a stalled event is promoted anyway (0 disables)")
	cmd.Flags().Int("retention-window", _config.RetentionWindow, "Finalized events kept in the working set")
	cmd.Flags().Duration("finality-interval", _config.FinalityInterval, "Time between finalization passes")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"DataDir":          _config.DataDir,
		"ServiceAddr":      _config.ServiceAddr,
		"NoService":        _config.NoService,
		"Store":            _config.Store,
		"LogLevel":         _config.LogLevel,
		"Moniker":          _config.Moniker,
		"CacheSize":        _config.CacheSize,
		"PendingLimit":     _config.PendingLimit,
		"MaxCandidateAge":  _config.MaxCandidateAge,
		"RetentionWindow":  _config.RetentionWindow,
		"FinalityInterval": _config.FinalityInterval,
	}

	if _config.Store {
		logFields["DatabaseDir"] = _config.DatabaseDir
		logFields["Bootstrap"] = _config.Bootstrap
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/weave.toml (.json, .yaml also work)
	viper.SetConfigName("weave")          // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
