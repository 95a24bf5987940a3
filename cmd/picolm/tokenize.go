package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/picolm/internal/tensorstore"
	"github.com/samcharles93/picolm/internal/tokenizer"
)

type tokenRow struct {
	ID    int32  `json:"id"`
	Piece string `json:"piece"`
	Bytes string `json:"bytes"`
}

func tokenizeCmd() *cli.Command {
	var (
		special bool
		decode  bool
		asJSON  bool
	)
	return &cli.Command{
		Name:      "tokenize",
		Usage:     "Encode text with a model's vocabulary, or decode ids with --decode",
		ArgsUsage: "<text | ids...>",
		Flags: append(modelFlags(),
			&cli.BoolFlag{Name: "special", Usage: "map control pieces in the text onto their ids", Destination: &special},
			&cli.BoolFlag{Name: "decode", Usage: "treat arguments as token ids and print the text", Destination: &decode},
			&cli.BoolFlag{Name: "json", Usage: "print tokens as JSON", Destination: &asJSON},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, fileConfig)
			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			store, err := tensorstore.Open(path, tensorstore.Options{Advice: tensorstore.AdviceRandom})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
			}
			defer store.Close()
			tok, err := tokenizer.FromMetadata(store.File().KV)
			if err != nil {
				return err
			}

			if decode {
				ids, err := parseIDs(c.Args().Slice())
				if err != nil {
					return err
				}
				text, err := tok.Decode(ids)
				if err != nil {
					return err
				}
				fmt.Println(text)
				return nil
			}

			text := strings.Join(c.Args().Slice(), " ")
			encode := tok.Encode
			if special {
				encode = tok.EncodeSpecial
			}
			ids, err := encode(text)
			if err != nil {
				return err
			}
			rows := make([]tokenRow, len(ids))
			for i, id := range ids {
				rows[i] = tokenRow{ID: id, Piece: tok.Vocab().Piece(id), Bytes: string(tok.TokenBytes(id))}
			}
			if asJSON {
				out, err := json.Marshal(rows)
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			for _, r := range rows {
				fmt.Printf("%6d  %-20q %q\n", r.ID, r.Piece, r.Bytes)
			}
			fmt.Printf("%d tokens\n", len(rows))
			return nil
		},
	}
}

func parseIDs(args []string) ([]int32, error) {
	var ids []int32
	for _, a := range args {
		for f := range strings.FieldsFuncSeq(a, func(r rune) bool { return r == ',' || r == ' ' }) {
			n, err := strconv.ParseInt(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("token id %q: %w", f, err)
			}
			ids = append(ids, int32(n))
		}
	}
	return ids, nil
}
