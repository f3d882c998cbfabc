/*
Package charmodel implements a character-level sliding-window language model.

A Model is trained on a stream of text and learns, for every window of N
consecutive characters, how often each character followed it. Those counts
are turned into probabilities and cumulative probabilities, and Generate
walks the model one character at a time, sampling each next character from
the distribution of the current trailing window.

	m, _ := charmodel.New(4, charmodel.WithSeed(42))
	_ = m.Train(ctx, bufio.NewReader(corpus))
	fmt.Println(m.Generate("Once", 200))

Models can be exported to JSON and imported again; see the store package for
SQLite persistence of many named models.
*/
package charmodel
