package application

import (
	"fmt"
	"math/rand/v2"
)

var idAdjectives = []string{
	"amber", "brisk", "calm", "daring", "eager", "fuzzy", "gentle", "hardy",
	"icy", "jolly", "keen", "lucid", "mellow", "nimble", "olive", "plucky",
	"quiet", "rapid", "sunny", "tidy", "umber", "vivid", "witty", "young",
	"zesty", "bold", "crisp", "dusty", "frosty", "golden", "humble", "lively",
}

var idNouns = []string{
	"otter", "heron", "falcon", "badger", "lynx", "marten", "osprey", "pika",
	"quail", "raven", "salmon", "tapir", "urchin", "vole", "walrus", "yak",
	"zebra", "beaver", "coyote", "dingo", "egret", "ferret", "gecko", "ibis",
	"jackal", "koala", "lemur", "moose", "newt", "orca", "panda", "robin",
}

// memorableID returns ids of the form adjective-noun-NNNN.
func memorableID() string {
	return fmt.Sprintf("%s-%s-%04d",
		idAdjectives[rand.IntN(len(idAdjectives))],
		idNouns[rand.IntN(len(idNouns))],
		rand.IntN(10000),
	)
}
