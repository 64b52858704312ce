package main

import (
	"fmt"
	"net/http"

	"github.com/urfave/cli"
)

// loanPath builds a /v1/loans/{loan_id}/... path from the command's
// first positional argument, the same ArgsUsage convention cmd/lncli
// uses for its own path-segment arguments.
func loanPath(ctx *cli.Context, suffix string) (string, error) {
	id := ctx.Args().First()
	if id == "" {
		return "", fmt.Errorf("loan-id argument required")
	}
	return fmt.Sprintf("/v1/loans/%s%s", id, suffix), nil
}

var postLoanCommand = cli.Command{
	Name:      "postloan",
	Usage:     "post a new loan's terms",
	ArgsUsage: "json-body",
	Description: "Create a new loan. json-body carries term_months, " +
		"required_collateral_sats, principal_amount, principal_currency, " +
		"and borrower_user_id.",
	Action: func(ctx *cli.Context) error {
		return newClient(ctx).call(http.MethodPost, "/v1/loans", ctx.Args().First())
	},
}

var commitLenderCommand = cli.Command{
	Name:      "commitlender",
	Usage:     "commit a lender to a posted loan",
	ArgsUsage: "loan-id json-body",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/commit-lender")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, ctx.Args().Get(1))
	},
}

var registerKeyCommand = cli.Command{
	Name:      "registerkey",
	Usage:     "register a participant's public key for a loan",
	ArgsUsage: "loan-id json-body",
	Description: "json-body carries role (borrower|lender|platform) and pubkey_hex.",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/keys")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, ctx.Args().Get(1))
	},
}

var deriveAddressCommand = cli.Command{
	Name:      "deriveaddress",
	Usage:     "derive the loan's P2WSH deposit address",
	ArgsUsage: "loan-id",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/address")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, "")
	},
}

var declareFundingCommand = cli.Command{
	Name:      "declarefunding",
	Usage:     "declare that a deposit transaction has been seen",
	ArgsUsage: "loan-id json-body",
	Description: "json-body carries txid and vout.",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/funding")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, ctx.Args().Get(1))
	},
}

var submitSignatureCommand = cli.Command{
	Name:      "submitsignature",
	Usage:     "submit a participant's partial signature for a template",
	ArgsUsage: "loan-id json-body",
	Description: "json-body carries tx_type, role, pubkey_hex, der_sig_hex.",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/signatures")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, ctx.Args().Get(1))
	},
}

var declareRepaidCommand = cli.Command{
	Name:      "declarerepaid",
	Usage:     "declare that the loan has been repaid",
	ArgsUsage: "loan-id json-body",
	Description: "json-body carries by (borrower|lender|platform).",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/repaid")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, ctx.Args().Get(1))
	},
}

var declareFiatConfirmedCommand = cli.Command{
	Name:      "declarefiatconfirmed",
	Usage:     "declare that the lender's fiat payout has been confirmed",
	ArgsUsage: "loan-id",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/fiat-confirmed")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, "")
	},
}

var triggerOutcomeCommand = cli.Command{
	Name:      "triggeroutcome",
	Usage:     "re-evaluate a loan's outcome and release a template if warranted",
	ArgsUsage: "loan-id",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/outcome")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, "")
	},
}

var requestRecoveryCommand = cli.Command{
	Name:      "requestrecovery",
	Usage:     "request the recovery template using a borrower's passphrase",
	ArgsUsage: "loan-id json-body",
	Description: "json-body carries passphrase. The passphrase itself is " +
		"never logged or stored; it only re-derives the borrower's signing scalar.",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/recovery")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, ctx.Args().Get(1))
	},
}

var adminDecideCommand = cli.Command{
	Name:      "admindecide",
	Usage:     "override a loan's outcome with an administrative decision",
	ArgsUsage: "loan-id json-body",
	Description: "json-body carries decision (BORROWER_NOT_DEFAULTED|BORROWER_DEFAULTED|TIMEOUT_DEFAULT).",
	Action: func(ctx *cli.Context) error {
		path, err := loanPath(ctx, "/admin-decision")
		if err != nil {
			return err
		}
		return newClient(ctx).call(http.MethodPost, path, ctx.Args().Get(1))
	},
}
