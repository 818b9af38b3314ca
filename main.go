package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Println(`govqa - visual question answering, trained from scratch

Usage:
  govqa <command> [flags]

Commands:
  prepare   Join VQA questions and annotations into a record file,
            optionally building the vocabulary and answer set
  train     Train a baseline or co-attention model on prepared records
  predict   Answer a question about an image from a saved checkpoint
  help      Show this message

Run 'govqa <command> -h' for the command's flags.`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "prepare":
		err = cmdPrepare(os.Args[2:])
	case "train":
		err = cmdTrain(os.Args[2:])
	case "predict":
		err = cmdPredict(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "govqa: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "govqa: %v\n", err)
		os.Exit(1)
	}
}
