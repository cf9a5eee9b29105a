package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Register and inspect vehicle entities",
}

// -- entities register --

var entitiesRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a vehicle entity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		in, err := entityFromFlags(cmd)
		if err != nil {
			return err
		}

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		ent, created, err := e.Catalog.Register(ctx, in)
		if err != nil {
			return eris.Wrap(err, "entities register")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, map[string]any{"entity": ent, "created": created})
		}
		formatEntity(os.Stdout, ent, created)
		return nil
	},
}

// -- entities show --

var entitiesShowCmd = &cobra.Command{
	Use:   "show <entity-id>",
	Short: "Show an entity with its listings, identifiers and media",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		ent, err := e.Catalog.Get(ctx, args[0], true)
		if err != nil {
			return eris.Wrap(err, "entities show")
		}
		kids, err := e.Catalog.Children(ctx, ent.ID)
		if err != nil {
			return eris.Wrap(err, "entities show")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, map[string]any{"entity": ent, "children": kids})
		}
		formatEntity(os.Stdout, ent, false)
		formatChildren(os.Stdout, kids)
		return nil
	},
}

func init() {
	addEntityFlags(entitiesRegisterCmd)
	entitiesRegisterCmd.Flags().Bool("json", false, "print the entity as JSON")
	entitiesShowCmd.Flags().Bool("json", false, "print the entity and children as JSON")

	entitiesCmd.AddCommand(entitiesRegisterCmd)
	entitiesCmd.AddCommand(entitiesShowCmd)
	rootCmd.AddCommand(entitiesCmd)
}

func addEntityFlags(c *cobra.Command) {
	c.Flags().String("id", "", "entity id (default a new UUID)")
	c.Flags().Int("year", 0, "model year")
	c.Flags().String("make", "", "make")
	c.Flags().String("model", "", "model")
	c.Flags().String("vin", "", "17 character VIN")
	c.Flags().String("title", "", "listing title")
	c.Flags().String("region", "", "region, e.g. city and state")
	c.Flags().String("owner", "", "owner id")
	c.Flags().Bool("private", false, "register with private visibility")
}

// entityFromFlags reads the register flags. Validation happens in the
// catalog.
func entityFromFlags(cmd *cobra.Command) (model.Entity, error) {
	f := cmd.Flags()
	var e model.Entity
	e.ID, _ = f.GetString("id")
	e.Year, _ = f.GetInt("year")
	e.Make, _ = f.GetString("make")
	e.Model, _ = f.GetString("model")
	e.VIN, _ = f.GetString("vin")
	e.Title, _ = f.GetString("title")
	e.Region, _ = f.GetString("region")
	e.OwnerID, _ = f.GetString("owner")
	if private, _ := f.GetBool("private"); private {
		e.Visibility = model.VisibilityPrivate
	}
	if e.Year < 0 {
		return e, model.NewValidationError("year", "must not be negative")
	}
	return e, nil
}
