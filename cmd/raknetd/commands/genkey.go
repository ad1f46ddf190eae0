package commands

import (
	"fmt"
	"os"

	"github.com/AnotherlandServer/anotherland-sub012/raknet/secure"
	"github.com/spf13/cobra"
)

var (
	keyOut  string
	keyBits int
)

func init() {
	genkeyCmd.Flags().StringVarP(&keyOut, "out", "o", "", "file to write the key to; stdout if omitted")
	genkeyCmd.Flags().IntVar(&keyBits, "bits", secure.DefaultKeyBits, "modulus size of the key")
	rootCmd.AddCommand(genkeyCmd)
}

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generates a PEM encoded listener key",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		key, err := secure.GenerateKey(keyBits)
		if err != nil {
			return err
		}
		if keyOut == "" {
			_, err = os.Stdout.Write(secure.EncodePrivateKey(key))
			return err
		}
		if err := secure.SavePrivateKey(keyOut, key); err != nil {
			return err
		}
		fmt.Printf("wrote %d bit key to %s\n", keyBits, keyOut)
		return nil
	},
}
