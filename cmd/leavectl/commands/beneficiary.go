package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"careleave/internal/beneficiary"
	id "careleave/pkg/domain"
)

func NewBeneficiaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beneficiary",
		Short: "Manage beneficiary display names held in Redis",
	}
	cmd.AddCommand(newBeneficiarySetCmd(), newBeneficiaryGetCmd())
	return cmd
}

func newBeneficiarySetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <name>",
		Short: "Store a beneficiary display name",
		Args:  cobra.ExactArgs(2),
		RunE:  runBeneficiarySet,
	}
}

func newBeneficiaryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Look up a beneficiary display name",
		Args:  cobra.ExactArgs(1),
		RunE:  runBeneficiaryGet,
	}
}

func redisDirectory(cmd *cobra.Command) (*beneficiary.RedisDirectory, func(), error) {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	if a.Redis == nil {
		a.Close()
		return nil, nil, fmt.Errorf("REDIS_URL is not set")
	}
	return beneficiary.NewRedis(a.Redis.Client), a.Close, nil
}

func runBeneficiarySet(cmd *cobra.Command, args []string) error {
	bid, err := id.ParseBeneficiaryID(args[0])
	if err != nil {
		return err
	}
	dir, closeFn, err := redisDirectory(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := dir.Put(cmd.Context(), bid, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", bid, args[1])
	return nil
}

func runBeneficiaryGet(cmd *cobra.Command, args []string) error {
	bid, err := id.ParseBeneficiaryID(args[0])
	if err != nil {
		return err
	}
	dir, closeFn, err := redisDirectory(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	name, err := dir.DisplayName(cmd.Context(), bid)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}
