package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"pirate/internal/keys"
)

var keysForce bool

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage CURVE key pairs",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate <key-file>",
	Short: "Generate a CURVE key pair",
	Long: `Generate a CURVE key pair and save it to a YAML or JSON file. Give the
public key to workers and clients as their server key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !keysForce {
			return fmt.Errorf("key file %s already exists, use --force to replace it", path)
		}

		kp, err := keys.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := keys.Save(kp, path); err != nil {
			return err
		}

		cmd.Printf("Key pair saved to: %s\n", path)
		cmd.Printf("Public key: %s\n", kp.PublicKey)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show <key-file>",
	Short: "Print the public key of a key pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := keys.Load(args[0])
		if err != nil {
			return err
		}
		cmd.Println(kp.PublicKey)
		return nil
	},
}

func init() {
	keysGenerateCmd.Flags().BoolVarP(&keysForce, "force", "f", false, "Replace an existing key file")

	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysShowCmd)
}
