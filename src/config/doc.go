// Package config defines the configuration for a weave node.
//
// Regardless of how weave is started, directly from Go code or as a standalone
// process from the command line, it uses the Config object defined in this
// package to store and forward configuration options. On top of these
// configuration options, weave relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//	priv_key  // a plain text file containing the raw private key (cf. weave keygen).
//	badger_db // (optional) the folder containing the Badger database when Store is enabled.
package config
