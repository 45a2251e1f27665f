package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jwttoken "careleave/internal/jwt_token"
	"careleave/internal/leave/models"
)

func NewTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a staff access token signed with JWT_SIGNING_KEY",
		Long:  `Mints a token for development and support. Production tokens come from the facility identity provider.`,
		RunE:  runToken,
	}
	cmd.Flags().String("actor", "", "Staff identifier (token subject)")
	cmd.Flags().String("role", "staff", "Role: medical, supervisor, director or staff")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default 8h)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

const defaultTokenTTL = 8 * time.Hour

func runToken(cmd *cobra.Command, args []string) error {
	actor, _ := cmd.Flags().GetString("actor")
	rawRole, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	role, err := models.ParseRole(rawRole)
	if err != nil {
		return err
	}
	if !role.IsStaff() {
		return fmt.Errorf("role %q cannot be issued to a person", role)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	svc := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)
	token, err := svc.GenerateAccessToken(actor, role.String(), ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
