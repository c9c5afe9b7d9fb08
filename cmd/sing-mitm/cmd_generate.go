package main

import (
	"fmt"
	"os"
	"path/filepath"

	sTLS "github.com/sagernet/sing-mitm/common/tls"
	C "github.com/sagernet/sing-mitm/constant"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
)

func generateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate things",
	}
	cmd.AddCommand(generateCACommand(), generateUUIDCommand())
	return cmd
}

func generateCACommand() *cobra.Command {
	var (
		output     string
		commonName string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a root certificate authority",
		Long: `Generate a root certificate authority for interception.

Without --output the certificate and key are printed as PEM. With it they
are written as sing-mitm-ca.pem and sing-mitm-ca.key, the layout read by
the store_path option.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateCA(output, commonName, force)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to directory")
	cmd.Flags().StringVar(&commonName, "common-name", C.CertificateCommonName, "certificate common name")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")
	return cmd
}

func generateCA(output string, commonName string, force bool) error {
	certificate, key, err := sTLS.GenerateCA(nil, commonName)
	if err != nil {
		return err
	}
	if output == "" {
		os.Stdout.Write(certificate)
		os.Stdout.Write(key)
		return nil
	}
	output = C.ExpandHome(output)
	certificatePath := filepath.Join(output, C.CertificateStoreName)
	keyPath := filepath.Join(output, C.KeyStoreName)
	if !force {
		for _, path := range []string{certificatePath, keyPath} {
			if _, err = os.Stat(path); err == nil {
				return E.New(path, " already exists, use --force to overwrite")
			}
		}
	}
	err = os.MkdirAll(output, 0o755)
	if err != nil {
		return err
	}
	err = os.WriteFile(keyPath, key, 0o600)
	if err != nil {
		return err
	}
	err = os.WriteFile(certificatePath, certificate, 0o644)
	if err != nil {
		return err
	}
	fmt.Println("certificate written to", certificatePath)
	return nil
}

func generateUUIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uuid",
		Short: "Generate UUID string, for the control secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			newUUID, err := uuid.NewV4()
			if err != nil {
				return err
			}
			fmt.Println(newUUID.String())
			return nil
		},
	}
}
