package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"guardflow/crypto"
	"guardflow/native/metatx"
)

const (
	keygenCommand  = "keygen"
	addressCommand = "address"
	tokenCommand   = "token"
	signCommand    = "sign"
	defaultPassEnv = "GUARDFLOW_KEY_PASS"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case signCommand:
		err = runSign(os.Args[2:], os.Stdout)
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: guardctl <command> [flags]")
	fmt.Fprintln(w, "  keygen   generate a signer key into a keystore file")
	fmt.Fprintln(w, "  address  print the bech32 and hex forms of an address")
	fmt.Fprintln(w, "  token    issue an HS256 bearer token for the query API")
	fmt.Fprintln(w, "  sign     sign a 32 byte meta-transaction digest")
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	path := fs.String("out", "signer.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pass, err := crypto.PassphraseFromEnv(*passEnv)
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if *force {
		err = crypto.SaveToKeystore(*path, key, pass)
	} else {
		err = crypto.CreateKeystore(*path, key, pass)
	}
	if err != nil {
		return err
	}
	addr := key.PubKey().Address()
	fmt.Fprintf(out, "keystore: %s\naddress:  %s\nhex:      %s\n", *path, addr.String(), addr.Hex())
	return nil
}

func runAddress(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("address expects exactly one argument")
	}
	raw, err := crypto.ParseAddress(args[0])
	if err != nil {
		return err
	}
	addr := crypto.FromRaw(raw)
	fmt.Fprintf(out, "%s\n%s\n", addr.String(), addr.Hex())
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	subject := fs.String("sub", "", "Principal address the token authenticates")
	issuer := fs.String("iss", "", "Issuer claim")
	audience := fs.String("aud", "", "Audience claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	secretEnv := fs.String("secret-env", "GUARDFLOW_HMAC_SECRET", "Environment variable containing the HMAC secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := strings.TrimSpace(os.Getenv(*secretEnv))
	if secret == "" {
		return fmt.Errorf("%s is not set", *secretEnv)
	}
	token, err := issueToken([]byte(secret), *subject, *issuer, *audience, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func issueToken(secret []byte, subject, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	raw, err := crypto.ParseAddress(subject)
	if err != nil {
		return "", fmt.Errorf("invalid -sub: %w", err)
	}
	if ttl <= 0 {
		return "", errors.New("-ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub": crypto.FromRaw(raw).String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func runSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(signCommand, flag.ContinueOnError)
	path := fs.String("keystore", "signer.keystore", "Keystore holding the signer key")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	digestHex := fs.String("digest", "", "0x-prefixed 32 byte digest to sign")
	if err := fs.Parse(args); err != nil {
		return err
	}
	digest, err := parseDigest(*digestHex)
	if err != nil {
		return err
	}
	pass, err := crypto.PassphraseFromEnv(*passEnv)
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(*path, pass)
	if err != nil {
		return err
	}
	sig, err := metatx.Sign(digest, key.PrivateKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "signer:    %s\nsignature: 0x%s\n", key.PubKey().Address().String(), hex.EncodeToString(sig))
	return nil
}

func parseDigest(value string) ([32]byte, error) {
	var digest [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return digest, fmt.Errorf("invalid -digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("invalid -digest: expected 32 bytes, got %d", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}
