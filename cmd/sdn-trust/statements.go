package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-trust/internal/admission"
	"github.com/spacedatanetwork/sdn-trust/internal/statement"
	"github.com/spacedatanetwork/sdn-trust/internal/storage"
)

var admitCmd = &cobra.Command{
	Use:   "admit [file]",
	Short: "Admit a signed statement envelope from a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAdmit,
}

var rateCmd = &cobra.Command{
	Use:   "rate <name:value>...",
	Short: "Sign and admit a rating of the given attributes with the node key",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRate,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <name:value> <name:value>...",
	Short: "Sign and admit a verification that the attributes belong to one entity",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runVerify,
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query stored statements",
	RunE:  runQuery,
}

var (
	rateValue    int
	rateMin      int
	rateMax      int
	rateComment  string
	private      bool
	unverify     bool
	queryAuthor  string
	queryRecip   string
	queryType    string
	querySearch  string
	queryView    string
	queryMaxDist int
	querySince   time.Duration
	queryLimit   int
	queryJSON    bool
)

func init() {
	rateCmd.Flags().IntVar(&rateValue, "rating", 1, "rating value")
	rateCmd.Flags().IntVar(&rateMin, "min", -1, "minimum of the rating scale")
	rateCmd.Flags().IntVar(&rateMax, "max", 1, "maximum of the rating scale")
	rateCmd.Flags().StringVarP(&rateComment, "comment", "m", "", "comment")
	for _, c := range []*cobra.Command{rateCmd, verifyCmd} {
		c.Flags().BoolVar(&private, "private", false, "do not publish the statement in the index")
	}
	verifyCmd.Flags().BoolVar(&unverify, "unverify", false, "refute instead of verify")

	queryCmd.Flags().StringVar(&queryAuthor, "author", "", "author attribute (name:value)")
	queryCmd.Flags().StringVar(&queryRecip, "recipient", "", "recipient attribute (name:value)")
	queryCmd.Flags().StringVar(&queryType, "type", "", "statement type")
	queryCmd.Flags().StringVar(&querySearch, "search", "", "substring of comments and attribute values")
	queryCmd.Flags().StringVar(&queryView, "viewpoint", "", "only authors trusted by this attribute")
	queryCmd.Flags().IntVar(&queryMaxDist, "max-distance", admission.UnknownDistance-1, "maximum trust distance from the viewpoint")
	queryCmd.Flags().DurationVar(&querySince, "since", 0, "only statements newer than this")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 100, "maximum results")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print envelopes as JSON lines")

	rootCmd.AddCommand(admitCmd, rateCmd, verifyCmd, queryCmd)
}

func parseAttributes(args []string) ([]statement.Attribute, error) {
	attrs := make([]statement.Attribute, 0, len(args))
	for _, arg := range args {
		a, err := statement.ParseAttribute(arg)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

func runAdmit(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	envelope, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read envelope: %w", err)
	}

	ctx := cmd.Context()
	_, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	s, outcome, err := svc.AdmitStatement(ctx, envelope)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.Hash, outcome)
	return nil
}

func signAndAdmit(cmd *cobra.Command, d statement.Draft) error {
	ctx := cmd.Context()
	_, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	s, outcome, err := svc.SignStatement(ctx, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.Hash, outcome)
	return nil
}

func runRate(cmd *cobra.Command, args []string) error {
	recipient, err := parseAttributes(args)
	if err != nil {
		return err
	}
	return signAndAdmit(cmd, statement.Draft{
		Type:      statement.Rating,
		Rating:    rateValue,
		MinRating: rateMin,
		MaxRating: rateMax,
		Recipient: recipient,
		Comment:   rateComment,
		Public:    !private,
	})
}

func runVerify(cmd *cobra.Command, args []string) error {
	recipient, err := parseAttributes(args)
	if err != nil {
		return err
	}
	typ := statement.VerifyIdentity
	if unverify {
		typ = statement.UnverifyIdentity
	}
	return signAndAdmit(cmd, statement.Draft{Type: typ, Recipient: recipient, Public: !private})
}

func runQuery(cmd *cobra.Command, args []string) error {
	f := storage.Filter{
		Type:   statement.Type(queryType),
		Search: querySearch,
		Limit:  queryLimit,
	}
	for _, opt := range []struct {
		raw string
		dst **statement.Attribute
	}{{queryAuthor, &f.Author}, {queryRecip, &f.Recipient}, {queryView, &f.Viewpoint}} {
		if opt.raw == "" {
			continue
		}
		a, err := statement.ParseAttribute(opt.raw)
		if err != nil {
			return err
		}
		*opt.dst = &a
	}
	if f.Viewpoint != nil {
		f.MaxDistance = queryMaxDist
	}
	if querySince > 0 {
		f.Since = time.Now().Add(-querySince)
	}

	ctx := cmd.Context()
	_, svc, err := openService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	stmts, err := svc.QueryStatements(ctx, f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if queryJSON {
		for _, s := range stmts {
			fmt.Fprintln(out, string(s.Envelope))
		}
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tTYPE\tRATING\tAUTHOR\tRECIPIENT\tTIMESTAMP")
	for _, s := range stmts {
		rating := "-"
		if s.Type == statement.Rating {
			rating = fmt.Sprintf("%d [%d,%d]", s.Rating, s.MinRating, s.MaxRating)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			statement.ShortHash(s.Hash, 12), s.Type, rating,
			joinAttributes(s.Author), joinAttributes(s.Recipient),
			s.Timestamp.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func joinAttributes(attrs []statement.Attribute) string {
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}
