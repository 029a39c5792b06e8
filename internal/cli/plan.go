package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"heirloom/contexts/estate-settlement/estate-registry/domain/distribution"
	"heirloom/contexts/estate-settlement/estate-registry/domain/entities"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// planFile is the YAML input of the plan command.
type planFile struct {
	Allocations []planAllocation `yaml:"allocations"`
	Snapshot    planSnapshot     `yaml:"snapshot"`
}

type planAllocation struct {
	Recipient  string `yaml:"recipient"`
	ShareBps   uint32 `yaml:"share_bps"`
	NFTOnly    bool   `yaml:"nft_only"`
	AssetScope string `yaml:"asset_scope"`
	Charity    bool   `yaml:"charity"`
}

type planSnapshot struct {
	Native       string            `yaml:"native"`
	Fungibles    []planFungible    `yaml:"fungibles"`
	Collectibles []planCollectible `yaml:"collectibles"`
}

type planFungible struct {
	Asset   string `yaml:"asset"`
	Balance string `yaml:"balance"`
}

type planCollectible struct {
	Contract string `yaml:"contract"`
	Item     string `yaml:"item"`
}

func newPlanCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview the distribution of an asset snapshot",
		Long: `Load allocations and an asset snapshot from a YAML file, validate the
allocations and print the transfers an execution would make. Nothing is
written or transferred.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read plan file: %w", err)
			}
			allocations, snapshot, err := parsePlanFile(raw)
			if err != nil {
				return err
			}
			return renderPlan(cmd.OutOrStdout(), distribution.PlanDistribution(allocations, snapshot))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "plan.yaml", "plan file")
	return cmd
}

func parsePlanFile(raw []byte) ([]entities.Allocation, entities.AssetSnapshot, error) {
	var doc planFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, entities.AssetSnapshot{}, fmt.Errorf("parse plan file: %w", err)
	}

	allocations := make([]entities.Allocation, 0, len(doc.Allocations))
	for _, item := range doc.Allocations {
		allocations = append(allocations, entities.Allocation{
			Recipient:  entities.Account(item.Recipient),
			ShareBps:   item.ShareBps,
			NFTOnly:    item.NFTOnly,
			AssetScope: entities.AssetID(item.AssetScope),
			IsCharity:  item.Charity,
		})
	}
	allocations = entities.NormalizeAllocations(allocations)
	if err := entities.ValidateAllocations(allocations); err != nil {
		return nil, entities.AssetSnapshot{}, fmt.Errorf("invalid allocations: %w", err)
	}

	snapshot := entities.AssetSnapshot{Native: decimal.Zero}
	if doc.Snapshot.Native != "" {
		native, err := decimal.NewFromString(doc.Snapshot.Native)
		if err != nil {
			return nil, entities.AssetSnapshot{}, fmt.Errorf("parse native balance: %w", err)
		}
		snapshot.Native = native
	}
	for _, item := range doc.Snapshot.Fungibles {
		balance, err := decimal.NewFromString(item.Balance)
		if err != nil {
			return nil, entities.AssetSnapshot{}, fmt.Errorf("parse balance of %s: %w", item.Asset, err)
		}
		snapshot.Fungibles = append(snapshot.Fungibles, entities.FungibleBalance{
			AssetID: entities.AssetID(item.Asset),
			Balance: balance,
		})
	}
	for _, item := range doc.Snapshot.Collectibles {
		snapshot.Collectibles = append(snapshot.Collectibles, entities.CollectibleItem{
			ContractID: entities.AssetID(item.Contract),
			ItemID:     item.Item,
		})
	}
	if err := snapshot.Validate(); err != nil {
		return nil, entities.AssetSnapshot{}, fmt.Errorf("invalid snapshot: %w", err)
	}
	return allocations, snapshot, nil
}

func renderPlan(out io.Writer, plan distribution.Plan) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tASSET\tRECIPIENT\tAMOUNT\tITEM")
	for _, leg := range plan.Legs {
		for _, transfer := range leg.Transfers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t-\n", transfer.Class, assetLabel(transfer.AssetID), transfer.Recipient, transfer.Amount.String())
		}
	}
	for _, transfer := range plan.Collectibles {
		fmt.Fprintf(w, "%s\t%s\t%s\t1\t%s\n", transfer.Class, assetLabel(transfer.AssetID), transfer.Recipient, transfer.ItemID)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ASSET\tBALANCE\tPLANNED\tREMAINDER")
	for _, leg := range plan.Legs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", assetLabel(leg.AssetID), leg.Balance.String(), leg.Planned().String(), leg.Remainder().String())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, item := range plan.Unassigned {
		fmt.Fprintf(out, "unassigned: %s #%s\n", item.ContractID, item.ItemID)
	}
	fmt.Fprintf(out, "transfers: %d\n", plan.TransferCount())
	return nil
}

func assetLabel(id entities.AssetID) string {
	if id.IsWildcard() {
		return "native"
	}
	return string(id)
}
