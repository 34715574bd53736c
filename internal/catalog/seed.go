package catalog

// Embedded seed data, in the style of the teacher's
// internal/game/roles.go fixed tables. Loaded at process startup and used
// whenever no optional MySQL override is reachable.

var seedQuiz = map[string][]string{
	"animals":  {"코끼리", "기린", "하마", "호랑이", "펭귄", "낙타", "캥거루", "다람쥐", "앵무새", "수달"},
	"movies":   {"기생충", "올드보이", "타이타닉", "인터스텔라", "라라랜드", "매트릭스", "조커", "아바타", "인셉션", "그래비티"},
	"jobs":     {"소방관", "간호사", "요리사", "변호사", "건축가", "조종사", "수의사", "마술사", "디자이너", "바리스타"},
	"sports":   {"축구", "야구", "농구", "배드민턴", "탁구", "수영", "양궁", "유도", "볼링", "당구"},
	"music":    {"피아노", "바이올린", "트럼펫", "드럼", "첼로", "플루트", "기타", "하프", "색소폰", "오카리나"},
	"proverbs": {"가는말이고와야오는말이곱다", "백지장도맞들면낫다", "소귀에경읽기", "우물안개구리", "등잔밑이어둡다", "호랑이도제말하면온다", "고생끝에낙이온다", "콩심은데콩난다"},
	"food":     {"김치찌개", "불고기", "떡볶이", "삼겹살", "비빔밥", "잡채", "순두부찌개", "냉면", "칼국수", "전복죽"},
	"advanced": {"양자역학", "블록체인", "광합성", "지정학", "신경가소성", "열역학", "암호화폐", "생물다양성"},
}

// Keys carry a liar_ prefix so categoryId stays globally unique across
// games (RandomWords looks a categoryId up by convention, not scoped to a
// single game).
var seedLiarKeywords = map[string][]string{
	"liar_animals": {"사자", "호랑이", "기린", "코알라", "악어"},
	"liar_places":  {"도서관", "공항", "병원", "해변", "놀이공원"},
	"liar_objects": {"우산", "안경", "시계", "지갑", "냄비"},
}

// marbleFallbackPenalties is the hard-coded fallback list of at least 26
// Korean penalty phrases, used when neither votes nor the catalog yield
// enough entries.
var marbleFallbackPenalties = []string{
	"한 잔 원샷", "아무나 지목해서 한 잔", "왼쪽 사람과 건배", "오른쪽 사람과 건배",
	"물 대신 마셔보기", "애교 부리기", "3초간 정지", "노래 한 소절",
	"엉덩이로 이름쓰기", "눈 감고 한 잔", "벌칙자 선정 찬스", "가장 최근 연락한 사람 말하기",
	"손가락 욕 금지 게임", "윙크하기", "성대모사하기", "하이파이브 3명과",
	"한 단계 건너뛰기", "현재 기분 말하기", "오늘의 주인공 지목", "삼행시 짓기",
	"춤 추기", "래퍼처럼 말하기", "오늘 한 일 말하기", "반대로 말하기",
	"다음 사람에게 양보", "리더에게 경례", "자기소개 다시하기",
}

func seedCategories() map[string][]Category {
	out := make(map[string][]Category)
	for id, words := range seedQuiz {
		out["quiz"] = append(out["quiz"], Category{CategoryID: id, Game: "quiz", Name: id, Words: words})
	}
	for id, words := range seedLiarKeywords {
		out["liar"] = append(out["liar"], Category{CategoryID: id, Game: "liar", Name: id, Words: words})
	}
	out["marble"] = []Category{{CategoryID: "penalty", Game: "marble", Name: "penalty", Words: append([]string{}, marbleFallbackPenalties...)}}
	return out
}
