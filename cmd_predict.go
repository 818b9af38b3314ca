package main

import (
	"flag"
	"fmt"
	"sort"
)

func cmdPredict(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	checkpoint := fs.String("checkpoint", "", "trained model checkpoint")
	vocabFile := fs.String("vocab", "", "vocabulary file the model was trained with")
	imagePath := fs.String("image", "", "image to ask about")
	question := fs.String("question", "", "question text")
	topN := fs.Int("top", 5, "number of answers to show")
	fs.Parse(args)

	if *checkpoint == "" || *vocabFile == "" || *imagePath == "" || *question == "" {
		return fmt.Errorf("predict: -checkpoint, -vocab, -image, and -question are all required")
	}

	vocab, err := LoadVocabulary(*vocabFile)
	if err != nil {
		return err
	}

	ckpt, err := LoadCheckpoint(*checkpoint)
	if err != nil {
		return err
	}
	model := ckpt.Model
	model.SetTraining(false)

	img, err := LoadImage(*imagePath, model.Config().ImageSize)
	if err != nil {
		return err
	}

	ids := vocab.EncodeQuestion(*question)
	if len(ids) == 0 {
		return fmt.Errorf("predict: question %q has no tokens", *question)
	}

	probs := Softmax(model.Forward(img, ids, len(ids)))

	classes := probs.Shape()[1]
	order := make([]int, classes)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return probs.At(0, order[a]) > probs.At(0, order[b])
	})

	if *topN > classes {
		*topN = classes
	}
	fmt.Printf("Q: %s\n", *question)
	for rank := 0; rank < *topN; rank++ {
		c := order[rank]
		fmt.Printf("%2d. %-20s %.3f\n", rank+1, vocab.IndexToAnswer[c], probs.At(0, c))
	}

	return nil
}
