package main

import (
	"context"

	"github.com/lychee-technology/occams/factory"
	"github.com/lychee-technology/occams/internal/export"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write one CSV per schema (all published versions) plus codebook.csv",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	flags := exportCmd.Flags()
	flags.StringSlice("schema", nil, "schema name to export (repeatable)")
	flags.String("out", ".", "output directory")
	flags.Bool("labels", false, "write choice titles instead of codes")
	flags.Bool("expand", false, "expand collection columns into one boolean column per choice")
	flags.Int("concurrency", 4, "reports built at once")
	flags.String("s3-bucket", getenvDefault("S3_BUCKET", ""), "upload the files to this bucket")
	flags.String("s3-prefix", getenvDefault("S3_PREFIX", ""), "key prefix for uploaded files")
	flags.String("s3-region", getenvDefault("AWS_REGION", ""), "bucket region")
	flags.String("s3-endpoint", getenvDefault("S3_ENDPOINT", ""), "custom S3-compatible endpoint")
	_ = exportCmd.MarkFlagRequired("schema")
}

func runExport(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	schemas, _ := flags.GetStringSlice("schema")
	opts := export.Options{}
	opts.Dir, _ = flags.GetString("out")
	opts.UseChoiceLabels, _ = flags.GetBool("labels")
	opts.ExpandCollections, _ = flags.GetBool("expand")
	opts.Concurrency, _ = flags.GetInt("concurrency")

	var uploader export.Uploader
	if bucket, _ := flags.GetString("s3-bucket"); bucket != "" {
		s3opts := export.S3Options{
			Bucket:    bucket,
			AccessKey: getenvDefault("AWS_ACCESS_KEY_ID", ""),
			SecretKey: getenvDefault("AWS_SECRET_ACCESS_KEY", ""),
		}
		s3opts.Prefix, _ = flags.GetString("s3-prefix")
		s3opts.Region, _ = flags.GetString("s3-region")
		s3opts.Endpoint, _ = flags.GetString("s3-endpoint")
		s3u, err := export.NewS3Uploader(cmd.Context(), s3opts)
		if err != nil {
			return err
		}
		if err := s3u.EnsureBucket(cmd.Context()); err != nil {
			return err
		}
		uploader = s3u
	}

	return withComponents(cmd, func(ctx context.Context, c *factory.Components) error {
		files, err := export.NewExporter(c.Reports, c.Schemas, uploader, opts).Export(ctx, schemas)
		if err != nil {
			return err
		}
		zap.S().Infow("export complete", "files", files, "uploaded", uploader != nil)
		return nil
	})
}
