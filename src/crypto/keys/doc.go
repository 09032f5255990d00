// Package keys implements the public key cryptography used throughout weave.
//
// A participant owns a cryptographic key-pair that it uses to sign the events
// it produces. The private key is secret but the public key travels in every
// event record, so that any node can verify authorship on admission.
//
// Weave uses elliptic curve cryptography (ECDSA) with the secp256k1 curve,
// the curve used by Bitcoin and Ethereum, so existing Bitcoin and Ethereum
// keys can author weave events.
package keys
